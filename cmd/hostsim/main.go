// Command hostsim connects to a log server as a simulated game host. It streams random
// player activity and answers world commands against its own memory world, which makes
// it handy for exercising lookups and rollbacks without a real game server.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"blocklog.ai/internal/surface/memworld"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8090/v1/host", "host bridge ws url")
		name     = flag.String("name", "hostsim", "host name sent in HELLO")
		token    = flag.String("token", os.Getenv("BLOCKLOG_HOST_TOKEN"), "host token")
		worlds   = flag.String("worlds", "world,world_nether,world_the_end", "comma-separated world names")
		palette  = flag.String("palette", "./configs/palette.json", "palette file")
		players  = flag.Int("players", 4, "simulated players")
		rate     = flag.Duration("every", 200*time.Millisecond, "interval between events")
		invEvery = flag.Int("inv_every", 25, "push an inventory update every N events (0 disables)")
		radius   = flag.Int("radius", 8, "events land within this many blocks of the origin")
		count    = flag.Int("count", 0, "stop after this many events (0 runs until interrupted)")
		seed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[hostsim] ", log.LstdFlags|log.Lmicroseconds)

	pal, err := memworld.LoadPalette(*palette)
	if err != nil {
		logger.Fatalf("palette: %v", err)
	}
	var names []string
	for _, w := range strings.Split(*worlds, ",") {
		if w = strings.TrimSpace(w); w != "" {
			names = append(names, w)
		}
	}
	if len(names) == 0 || *players <= 0 {
		logger.Fatalf("need at least one world and one player")
	}
	h := newHost(pal, names, *players, *radius, *seed, logger)

	ws, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	welcome, err := handshake(ws, *name, *token, names)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("WELCOME session=%s players=%d worlds=%v", welcome.SessionID, *players, names)

	c := &conn{ws: ws}
	for _, j := range h.joins() {
		if err := c.send(j); err != nil {
			logger.Fatalf("send JOIN: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.serveCommands(c) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-stop:
			shutdown(c, h, logger, sent)
			return
		case err := <-done:
			logger.Printf("connection closed after events=%d: %v", sent, err)
			return
		case <-ticker.C:
		}

		if err := c.send(h.nextEvent()); err != nil {
			logger.Printf("send EVENT: %v", err)
			return
		}
		sent++
		if *invEvery > 0 && sent%*invEvery == 0 {
			if err := c.send(h.nextInventory()); err != nil {
				logger.Printf("send INVENTORY: %v", err)
				return
			}
		}
		if sent%100 == 0 {
			logger.Printf("events=%d", sent)
		}
		if *count > 0 && sent >= *count {
			shutdown(c, h, logger, sent)
			return
		}
	}
}

func shutdown(c *conn, h *host, logger *log.Logger, sent int) {
	for _, l := range h.leaves() {
		_ = c.send(l)
	}
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.mu.Unlock()
	logger.Printf("stopped after events=%d", sent)
}
