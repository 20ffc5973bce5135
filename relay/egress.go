package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"unicode/utf8"

	"github.com/AlephTX/aleph-tx/ringchan/shm"
	"github.com/ethereum/go-ethereum/metrics"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Hello is the first message an Egress client receives.
type Hello struct {
	Type string `json:"type"`
	Ring string `json:"ring"`
	Size int    `json:"size"`
}

// Egress streams ring frames to a websocket client, one message per frame.
// A ring has a single reader, so only one client is served at a time.
type Egress struct {
	ring string
	size int
	r    *shm.Reader
	typ  websocket.MessageType
	busy atomic.Bool
	log  *slog.Logger

	clients  *metrics.Counter
	messages *metrics.Counter
	rejected *metrics.Counter
}

// NewEgress serves frames from r. Frames go out as text messages when text
// is set, binary otherwise. Frames that are not valid UTF-8 are always sent
// as binary.
func NewEgress(ring string, size int, r *shm.Reader, text bool, opts Options) *Egress {
	opts = opts.withDefaults()
	typ := websocket.MessageBinary
	if text {
		typ = websocket.MessageText
	}
	return &Egress{
		ring:     ring,
		size:     size,
		r:        r,
		typ:      typ,
		log:      opts.Logger.With("component", "relay.egress"),
		clients:  metrics.GetOrRegisterCounter("relay/egress/clients", opts.Registry),
		messages: metrics.GetOrRegisterCounter("relay/egress/messages", opts.Registry),
		rejected: metrics.GetOrRegisterCounter("relay/egress/rejected", opts.Registry),
	}
}

func (e *Egress) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !e.busy.CompareAndSwap(false, true) {
		e.rejected.Inc(1)
		http.Error(w, "ring already has a reader", http.StatusConflict)
		return
	}
	defer e.busy.Store(false)

	c, err := websocket.Accept(w, req, nil)
	if err != nil {
		e.log.Warn("egress: accept failed", "error", err)
		return
	}
	defer c.CloseNow()

	e.clients.Inc(1)
	e.log.Info("egress: client connected", "remote", req.RemoteAddr)

	// the client only listens; CloseRead handles its control frames
	ctx := c.CloseRead(req.Context())
	if err := wsjson.Write(ctx, c, Hello{Type: "hello", Ring: e.ring, Size: e.size}); err != nil {
		e.log.Warn("egress: hello failed", "error", err)
		return
	}

	err = e.r.Run(ctx, func(buf []byte, off, n int) (shm.Ack, error) {
		typ := e.typ
		if typ == websocket.MessageText && !utf8.Valid(buf[off:off+n]) {
			typ = websocket.MessageBinary
		}
		if err := c.Write(ctx, typ, buf[off:off+n]); err != nil {
			return shm.Done, err
		}
		e.messages.Inc(1)
		return shm.Done, nil
	})

	var ce *shm.ConsumeError
	if errors.As(err, &ce) {
		// the frame was released with the failed write
		e.log.Warn("egress: client write failed, frame lost", "offset", ce.Offset, "error", ce.Err)
		return
	}
	if errors.Is(err, context.Canceled) {
		e.log.Info("egress: client gone")
		return
	}
	c.Close(websocket.StatusGoingAway, "ring reader stopped")
}
