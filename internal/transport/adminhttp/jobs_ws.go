package adminhttp

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blocklog.ai/internal/rollback"
)

// JobHub fans rollback job updates out to websocket subscribers. It implements
// rollback.Reporter. Slow subscribers lose updates instead of blocking the job.
type JobHub struct {
	log      *log.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*jobSub]struct{}

	sentTotal    atomic.Uint64
	droppedTotal atomic.Uint64
}

type jobSub struct {
	job string // empty means every job
	out chan []byte
}

func NewJobHub(logger *log.Logger) *JobHub {
	return &JobHub{
		log:  logger,
		subs: map[*jobSub]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (h *JobHub) Report(info rollback.JobInfo) {
	b, err := json.Marshal(info)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.job != "" && sub.job != info.ID {
			continue
		}
		select {
		case sub.out <- b:
			h.sentTotal.Add(1)
		default:
			h.droppedTotal.Add(1)
		}
	}
}

func (h *JobHub) subscribe(job string) *jobSub {
	sub := &jobSub{job: job, out: make(chan []byte, 64)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *JobHub) unsubscribe(sub *jobSub) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscribers returns the number of connected streams.
func (h *JobHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type HubStats struct {
	Subscribers  int
	SentTotal    uint64
	DroppedTotal uint64
}

func (h *JobHub) Stats() HubStats {
	return HubStats{Subscribers: h.Subscribers(), SentTotal: h.sentTotal.Load(), DroppedTotal: h.droppedTotal.Load()}
}

// Handler streams JobInfo JSON messages. ?job=<id> limits the stream to one job.
func (h *JobHub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := h.subscribe(r.URL.Query().Get("job"))
		defer h.unsubscribe(sub)

		done := make(chan struct{})
		// Reader: only to notice the client going away.
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case b := <-sub.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					if h.log != nil {
						h.log.Printf("jobs ws write: %v", err)
					}
					return
				}
			}
		}
	}
}
