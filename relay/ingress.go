package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AlephTX/aleph-tx/ringchan/ipc"
	"github.com/AlephTX/aleph-tx/ringchan/shm"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/sony/gobreaker"
	"github.com/sugawarayuuta/sonnet"
	"nhooyr.io/websocket"
)

var errTooLarge = errors.New("message larger than ring frame")

// Ingress dials an upstream websocket and writes every message into a ring.
type Ingress struct {
	name    string
	url     string
	opts    Options
	cb      *gobreaker.CircuitBreaker
	log     *slog.Logger
	deliver func(msg []byte) (direct bool, err error)

	messages *metrics.Counter
	dropped  *metrics.Counter
	queued   *metrics.Counter
	connects *metrics.Counter
}

func newIngress(name, url string, opts Options) *Ingress {
	opts = opts.withDefaults()
	in := &Ingress{
		name:     name,
		url:      url,
		opts:     opts,
		log:      opts.Logger.With("component", "relay."+name),
		messages: metrics.GetOrRegisterCounter("relay/"+name+"/messages", opts.Registry),
		dropped:  metrics.GetOrRegisterCounter("relay/"+name+"/dropped", opts.Registry),
		queued:   metrics.GetOrRegisterCounter("relay/"+name+"/queued", opts.Registry),
		connects: metrics.GetOrRegisterCounter("relay/"+name+"/connects", opts.Registry),
	}
	in.cb = newBreaker(name, opts)
	return in
}

// NewIngress copies each upstream message verbatim into one frame. It owns
// the ring's Writer.
func NewIngress(url string, w *shm.Writer, opts Options) *Ingress {
	in := newIngress("ingress", url, opts)
	limit := w.MaxPayload()
	in.deliver = func(msg []byte) (bool, error) {
		if len(msg) > limit {
			return false, fmt.Errorf("%w: %d > %d bytes", errTooLarge, len(msg), limit)
		}
		return w.Write(len(msg), func(buf []byte, off int) int {
			return off + copy(buf[off:], msg)
		}), nil
	}
	return in
}

// streamEnvelope is the combined-stream wrapper exchange feeds send:
// {"stream":"btcusdt@bookTicker","data":{...}}.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// NewStreamIngress unwraps combined-stream envelopes and publishes each as an
// ipc message whose type is the stream name.
func NewStreamIngress(url string, pub *ipc.Publisher, opts Options) *Ingress {
	in := newIngress("streams", url, opts)
	in.deliver = func(msg []byte) (bool, error) {
		var env streamEnvelope
		if err := sonnet.Unmarshal(msg, &env); err != nil {
			return false, fmt.Errorf("envelope: %w", err)
		}
		if env.Stream == "" || len(env.Data) == 0 {
			return false, errors.New("envelope: missing stream or data")
		}
		return pub.Publish(env.Stream, env.Data)
	}
	return in
}

// Run relays until ctx ends, reconnecting after failures.
func (in *Ingress) Run(ctx context.Context) error {
	return runLoop(ctx, in.name, in.cb, in.opts.Reconnect, in.log, in.connect)
}

func (in *Ingress) connect(ctx context.Context) error {
	c, _, err := websocket.Dial(ctx, in.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.CloseNow()
	c.SetReadLimit(in.opts.ReadLimit)

	in.connects.Inc(1)
	in.log.Info(in.name+": connected", "url", in.url)

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			return err
		}
		direct, err := in.deliver(msg)
		if err != nil {
			in.dropped.Inc(1)
			in.log.Warn(in.name+": message dropped", "bytes", len(msg), "error", err)
			continue
		}
		in.messages.Inc(1)
		if !direct {
			in.queued.Inc(1)
		}
	}
}
