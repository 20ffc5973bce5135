// Package ipc carries typed JSON messages over a shm ring.
package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AlephTX/aleph-tx/ringchan/shm"
	"github.com/sugawarayuuta/sonnet"
)

// Message is the envelope stored in each ring frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher encodes messages into a ring. It owns the ring's Writer.
type Publisher struct {
	mu  sync.Mutex
	w   *shm.Writer
	max int
	log *slog.Logger
}

// NewPublisher wraps w. Messages longer than maxBytes are rejected; zero
// means the largest frame the ring can hold.
func NewPublisher(w *shm.Writer, maxBytes int, log *slog.Logger) *Publisher {
	if limit := w.MaxPayload(); maxBytes <= 0 || maxBytes > limit {
		maxBytes = limit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{w: w, max: maxBytes, log: log.With("component", "ipc.publisher")}
}

// Publish sends a typed message. It reports whether the frame went straight
// into the ring (false means it was queued behind a backlog).
func (p *Publisher) Publish(msgType string, payload any) (bool, error) {
	raw, err := sonnet.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("ipc: encode %s payload: %w", msgType, err)
	}
	msg, err := sonnet.Marshal(Message{Type: msgType, Payload: raw})
	if err != nil {
		return false, fmt.Errorf("ipc: encode %s: %w", msgType, err)
	}
	return p.PublishRaw(msg)
}

// PublishRaw writes an already encoded envelope.
func (p *Publisher) PublishRaw(msg []byte) (bool, error) {
	if len(msg) > p.max {
		return false, fmt.Errorf("ipc: message of %d bytes exceeds %d", len(msg), p.max)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	direct := p.w.Write(len(msg), func(buf []byte, off int) int {
		return off + copy(buf[off:], msg)
	})
	if !direct {
		p.log.Debug("ipc: publish queued", "bytes", len(msg), "pending", p.w.Pending())
	}
	return direct, nil
}

// Max returns the largest encoded message accepted.
func (p *Publisher) Max() int {
	return p.max
}
