// Package hostws is the game host's websocket bridge. The host streams world events and
// player presence in; the server sends world commands back and waits for their ACKs.
package hostws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/protocol"
)

// Recorder is implemented by logdb.Recorder.
type Recorder interface {
	Record(model.LogEntry) (model.LogEntry, error)
}

// Directory is implemented by actors.Directory.
type Directory interface {
	Join(model.Actor)
	Leave(id uuid.UUID)
	OnlineActors() []model.Actor
}

type Options struct {
	// Token, when set, must match the HELLO token.
	Token          string
	CommandTimeout time.Duration

	// InventoryMaxAge bounds how long an INVENTORY push answers reads before the host is
	// asked again.
	InventoryMaxAge time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

type Server struct {
	rec  Recorder
	dir  Directory
	opts Options

	upgrader websocket.Upgrader

	mu   sync.Mutex
	sess *session

	invMu       sync.Mutex
	inventories map[uuid.UUID]cachedInventory

	nextSession atomic.Uint64
	nextCmd     atomic.Uint64

	eventsTotal   atomic.Uint64
	rejectedTotal atomic.Uint64
	commandsTotal atomic.Uint64
	cmdFailTotal  atomic.Uint64
}

func NewServer(rec Recorder, dir Directory, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.InventoryMaxAge <= 0 {
		opts.InventoryMaxAge = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		rec:         rec,
		dir:         dir,
		opts:        opts,
		inventories: map[uuid.UUID]cachedInventory{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // hosts are not browsers
		},
	}
}

type session struct {
	id   string
	host string
	out  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan protocol.AckMsg
}

func (s *session) register(id string) chan protocol.AckMsg {
	ch := make(chan protocol.AckMsg, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *session) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) resolve(ack protocol.AckMsg) bool {
	s.mu.Lock()
	ch, ok := s.pending[ack.ID]
	delete(s.pending, ack.ID)
	s.mu.Unlock()
	if ok {
		ch <- ack
	}
	return ok
}

const (
	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.attach(sess)
		defer s.detach(sess)

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-sess.ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
						sess.cancel()
						return
					}
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						sess.cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sess.ctx.Err() != nil {
				break
			}
			s.handle(sess, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if s.opts.Token != "" && hello.Token != s.opts.Token {
		closeWith(conn, websocket.ClosePolicyViolation, "bad token")
		return nil
	}
	if hello.HostName == "" {
		hello.HostName = "host"
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:      "H" + strconv.FormatUint(s.nextSession.Add(1), 10),
		host:    hello.HostName,
		out:     make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
		pending: map[string]chan protocol.AckMsg{},
	}
	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
	}); err != nil {
		cancel()
		return nil
	}
	return sess
}

// attach makes sess the active host session. A previous session is cut off.
func (s *Server) attach(sess *session) {
	s.mu.Lock()
	old := s.sess
	s.sess = sess
	s.mu.Unlock()
	if old != nil {
		old.cancel()
		s.printf("host replaced old=%s new=%s host=%s", old.id, sess.id, sess.host)
	} else {
		s.printf("host connected session=%s host=%s", sess.id, sess.host)
	}
}

// detach drops sess. Actors it reported online are marked offline unless a newer session
// has already taken over.
func (s *Server) detach(sess *session) {
	sess.cancel()
	s.mu.Lock()
	current := s.sess == sess
	if current {
		s.sess = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	for _, a := range s.dir.OnlineActors() {
		s.dir.Leave(a.ID)
	}
	s.invMu.Lock()
	s.inventories = map[uuid.UUID]cachedInventory{}
	s.invMu.Unlock()
	s.printf("host disconnected session=%s host=%s", sess.id, sess.host)
}

func (s *Server) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

func (s *Server) handle(sess *session, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.reject("decode", err)
		return
	}
	switch base.Type {
	case protocol.TypeEvent:
		var ev protocol.EventMsg
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.reject("event", err)
			return
		}
		id, err := uuid.Parse(ev.ActorID)
		if err != nil {
			s.reject("event", fmt.Errorf("actor_id: %w", err))
			return
		}
		if _, err := s.rec.Record(model.LogEntry{
			ActorID:   id,
			ActorName: ev.ActorName,
			Action:    model.Action(ev.Action),
			Location:  ev.Location,
			Material:  ev.Material,
			Extra:     ev.Extra,
		}); err != nil {
			s.reject("event", err)
			return
		}
		s.eventsTotal.Add(1)

	case protocol.TypeJoin:
		var m protocol.JoinMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject("join", err)
			return
		}
		id, err := uuid.Parse(m.ActorID)
		if err != nil {
			s.reject("join", err)
			return
		}
		s.dir.Join(model.Actor{ID: id, Name: strings.TrimSpace(m.ActorName)})

	case protocol.TypeLeave:
		var m protocol.LeaveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject("leave", err)
			return
		}
		id, err := uuid.Parse(m.ActorID)
		if err != nil {
			s.reject("leave", err)
			return
		}
		s.invMu.Lock()
		delete(s.inventories, id)
		s.invMu.Unlock()
		s.dir.Leave(id)

	case protocol.TypeInventory:
		var m protocol.InventoryMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.reject("inventory", err)
			return
		}
		id, err := uuid.Parse(m.ActorID)
		if err != nil {
			s.reject("inventory", err)
			return
		}
		s.cacheInventory(id, m.Items)

	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			s.reject("ack", err)
			return
		}
		if !sess.resolve(ack) {
			s.printf("host ack for unknown command id=%s", ack.ID)
		}

	default:
		s.reject("type", fmt.Errorf("unknown message type %q", base.Type))
	}
}

func (s *Server) reject(kind string, err error) {
	n := s.rejectedTotal.Add(1)
	if n == 1 || n%100 == 0 {
		s.printf("host message rejected kind=%s rejected_total=%d err=%v", kind, n, err)
	}
}

type cachedInventory struct {
	items []model.ItemStack
	at    time.Time
}

func (s *Server) cacheInventory(id uuid.UUID, items []model.ItemStack) {
	cp := append([]model.ItemStack(nil), items...)
	now := s.opts.Now()
	s.invMu.Lock()
	s.inventories[id] = cachedInventory{items: cp, at: now}
	s.invMu.Unlock()
}

// freshInventory returns the cached inventory unless it is older than InventoryMaxAge.
func (s *Server) freshInventory(id uuid.UUID) ([]model.ItemStack, bool) {
	now := s.opts.Now()
	s.invMu.Lock()
	defer s.invMu.Unlock()
	c, ok := s.inventories[id]
	if !ok || now.Sub(c.at) > s.opts.InventoryMaxAge {
		return nil, false
	}
	return append([]model.ItemStack(nil), c.items...), true
}

var (
	ErrNoHost           = errors.New("no host connected")
	ErrHostDisconnected = errors.New("host disconnected")
	ErrCommandTimeout   = errors.New("host command timed out")
)

// call sends cmd to the active host and waits for the matching ACK.
func (s *Server) call(cmd protocol.CmdMsg) (protocol.AckMsg, error) {
	sess := s.current()
	if sess == nil {
		return protocol.AckMsg{}, ErrNoHost
	}
	s.commandsTotal.Add(1)
	cmd.Type = protocol.TypeCmd
	cmd.ID = "C" + strconv.FormatUint(s.nextCmd.Add(1), 10)
	b, err := json.Marshal(cmd)
	if err != nil {
		return protocol.AckMsg{}, err
	}
	ch := sess.register(cmd.ID)
	defer sess.unregister(cmd.ID)

	t := time.NewTimer(s.opts.CommandTimeout)
	defer t.Stop()

	select {
	case sess.out <- b:
	case <-t.C:
		s.cmdFailTotal.Add(1)
		return protocol.AckMsg{}, fmt.Errorf("%w: op=%s", ErrCommandTimeout, cmd.Op)
	case <-sess.ctx.Done():
		s.cmdFailTotal.Add(1)
		return protocol.AckMsg{}, ErrHostDisconnected
	}
	select {
	case ack := <-ch:
		if err := ackError(ack); err != nil {
			s.cmdFailTotal.Add(1)
			return ack, err
		}
		return ack, nil
	case <-t.C:
		s.cmdFailTotal.Add(1)
		return protocol.AckMsg{}, fmt.Errorf("%w: op=%s", ErrCommandTimeout, cmd.Op)
	case <-sess.ctx.Done():
		s.cmdFailTotal.Add(1)
		return protocol.AckMsg{}, ErrHostDisconnected
	}
}

type Stats struct {
	Connected       bool
	EventsTotal     uint64
	RejectedTotal   uint64
	CommandsTotal   uint64
	CommandFailures uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Connected:       s.current() != nil,
		EventsTotal:     s.eventsTotal.Load(),
		RejectedTotal:   s.rejectedTotal.Load(),
		CommandsTotal:   s.commandsTotal.Load(),
		CommandFailures: s.cmdFailTotal.Load(),
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
