// Package sse streams change notifications to connected clients over
// Server-Sent Events. The write path never talks to clients directly; it
// appends to the audit log, and the broadcaster relays tailed entries.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// writeTimeout bounds a single client write so one stale connection
// cannot stall a broadcast.
const writeTimeout = 2 * time.Second

// client is one connected event stream.
type client struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// Broadcaster fans events out to every connected client.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast encodes payload as one SSE data frame and writes it to every
// client. Clients that fail or time out are dropped.
func (b *Broadcaster) Broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	frame := fmt.Sprintf("data: %s\n\n", data)

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	dead := make(chan string, len(targets))
	for _, c := range targets {
		select {
		case <-c.done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if !b.write(c, frame) {
				dead <- c.id
			}
		}(c)
	}
	wg.Wait()
	close(dead)

	for id := range dead {
		b.drop(id)
	}
}

// write pushes one frame to one client within the write timeout.
func (b *Broadcaster) write(c *client, frame string) bool {
	finished := make(chan bool, 1)
	go func() {
		if _, err := c.w.Write([]byte(frame)); err != nil {
			finished <- false
			return
		}
		c.flusher.Flush()
		finished <- true
	}()

	select {
	case ok := <-finished:
		return ok
	case <-time.After(writeTimeout):
		log.Warn().Str("client_id", c.id).Msg("Event write timed out")
		return false
	case <-c.done:
		return true
	}
}

func (b *Broadcaster) add(w http.ResponseWriter) (*client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}

	b.mu.Lock()
	b.nextID++
	c := &client{
		id:      fmt.Sprintf("client-%d", b.nextID),
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.clients[c.id] = c
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", c.id).Int("clients", n).Msg("Event stream connected")
	return c, nil
}

func (b *Broadcaster) drop(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	n := len(b.clients)
	b.mu.Unlock()

	if ok {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
		log.Debug().Str("client_id", id).Int("clients", n).Msg("Event stream disconnected")
	}
}

// ServeHTTP upgrades the request to an event stream and holds it open
// until the client goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c, err := b.add(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.drop(c.id)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"clientId\":%q}\n\n", c.id)
	c.flusher.Flush()

	<-r.Context().Done()
}
