package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AlephTX/aleph-tx/ringchan/shm"
	"github.com/sugawarayuuta/sonnet"
)

// Handler receives the payload of one message. payload is a private copy.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Subscriber decodes envelopes from a ring and dispatches them by type. It
// owns the ring's Reader.
type Subscriber struct {
	r        *shm.Reader
	handlers map[string]Handler
	fallback Handler
	log      *slog.Logger
}

func NewSubscriber(r *shm.Reader, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		r:        r,
		handlers: make(map[string]Handler),
		log:      log.With("component", "ipc.subscriber"),
	}
}

// Handle registers h for msgType. Register handlers before Run.
func (s *Subscriber) Handle(msgType string, h Handler) {
	s.handlers[msgType] = h
}

// HandleDefault registers h for types without a handler of their own.
func (s *Subscriber) HandleDefault(h Handler) {
	s.fallback = h
}

// Run dispatches messages until ctx ends. Undecodable frames and handler
// failures are logged and skipped.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.r.Read(ctx, func(buf []byte, off, n int) (shm.Ack, error) {
			// handlers may keep the payload past the frame's release
			return shm.Done, s.dispatch(ctx, bytes.Clone(buf[off:off+n]))
		})
		var ce *shm.ConsumeError
		switch {
		case err == nil:
		case errors.As(err, &ce):
			s.log.Warn("ipc: message dropped", "offset", ce.Offset, "length", ce.Length, "error", ce.Err)
		default:
			return err
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, frame []byte) error {
	var msg Message
	if err := sonnet.Unmarshal(frame, &msg); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	h, ok := s.handlers[msg.Type]
	if !ok {
		h = s.fallback
	}
	if h == nil {
		s.log.Debug("ipc: no handler", "type", msg.Type)
		return nil
	}
	if err := h(ctx, msg.Payload); err != nil {
		return fmt.Errorf("%s: %w", msg.Type, err)
	}
	return nil
}
