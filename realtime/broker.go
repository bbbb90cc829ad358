// Package realtime streams committed chain heads to SSE clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"track-record-engine/ledger"
	"track-record-engine/metrics"
)

// ChainHead is broadcast after every committed append.
type ChainHead struct {
	InstanceID string  `json:"instanceId"`
	SeqNo      int64   `json:"seqNo"`
	EventType  string  `json:"eventType"`
	EventHash  string  `json:"eventHash"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
}

type client struct {
	ch         chan []byte
	instanceID string
}

// Broker handles Server-Sent Events (SSE) clients and broadcasting
type Broker struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan ChainHead
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewBroker creates a new SSE broker
func NewBroker(logger zerolog.Logger, m *metrics.Metrics) *Broker {
	return &Broker{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan ChainHead, 1000),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "realtime").Logger(),
		metrics:    m,
	}
}

// Run starts the broker loop and returns when ctx is done.
func (b *Broker) Run(ctx context.Context) {
	defer b.stopOnce.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for c := range b.clients {
				delete(b.clients, c)
				close(c.ch)
				b.metrics.StreamClientRemoved()
			}
			b.mu.Unlock()
			return

		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			total := len(b.clients)
			b.mu.Unlock()
			b.metrics.StreamClientAdded()
			b.logger.Debug().Int("clients", total).Msg("SSE client connected")

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.ch)
				b.metrics.StreamClientRemoved()
			}
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug().Int("clients", total).Msg("SSE client disconnected")

		case head := <-b.broadcast:
			msg, err := json.Marshal(head)
			if err != nil {
				b.logger.Error().Err(err).Msg("marshal chain head")
				continue
			}
			b.mu.RLock()
			for c := range b.clients {
				if c.instanceID != "" && c.instanceID != head.InstanceID {
					continue
				}
				select {
				case c.ch <- msg:
				default:
					// slow client, drop
				}
			}
			b.mu.RUnlock()
		}
	}
}

// ServeHTTP handles the SSE endpoint. ?instanceId= narrows the feed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	c := &client{ch: make(chan []byte, 10), instanceID: r.URL.Query().Get("instanceId")}
	select {
	case b.register <- c:
	case <-b.done:
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			select {
			case b.unregister <- c:
			case <-b.done:
			}
			return
		case msg, ok := <-c.ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: chain_head\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues a head for every matching client. It never blocks.
func (b *Broker) Broadcast(head ChainHead) {
	select {
	case b.broadcast <- head:
	default:
		b.logger.Warn().Str("instance_id", head.InstanceID).Int64("seq_no", head.SeqNo).Msg("broadcast buffer full, dropping chain head")
	}
}

// HeadOf builds the broadcast message for a committed event.
func HeadOf(e ledger.Event, state ledger.State) ChainHead {
	return ChainHead{
		InstanceID: e.InstanceID,
		SeqNo:      e.SeqNo,
		EventType:  string(e.EventType),
		EventHash:  e.EventHash,
		Balance:    state.Balance,
		Equity:     state.Equity,
	}
}

// EventAccepted broadcasts the new head locally.
func (b *Broker) EventAccepted(e ledger.Event, state ledger.State) {
	b.Broadcast(HeadOf(e, state))
}
