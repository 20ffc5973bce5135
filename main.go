package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/AlephTX/aleph-tx/ringchan/config"
	"github.com/AlephTX/aleph-tx/ringchan/ipc"
	"github.com/AlephTX/aleph-tx/ringchan/logs"
	"github.com/AlephTX/aleph-tx/ringchan/relay"
	"github.com/AlephTX/aleph-tx/ringchan/shm"
	"github.com/ethereum/go-ethereum/metrics"
)

func main() {
	cfgPath := flag.String("config", "", "TOML config file")
	envFile := flag.String("env", ".env", "dotenv file")
	mode := flag.String("mode", "bench", "bench | relay-in | relay-out")
	count := flag.Int("n", 1_000_000, "bench: messages to send")
	size := flag.Int("size", 64, "bench: payload bytes")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ringchan:", err)
		os.Exit(2)
	}

	log, closeLog, err := logs.New(logs.Options{Level: cfg.Log.Level, File: cfg.Log.File, Journal: cfg.Log.Journal})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ringchan:", err)
		os.Exit(2)
	}
	defer closeLog()
	slog.SetDefault(log)

	metrics.Enable()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "bench":
		err = bench(ctx, cfg, *count, *size, log)
	case "relay-in":
		err = relayIn(ctx, cfg, log)
	case "relay-out":
		err = relayOut(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	dumpMetrics(log)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ringchan: stopped", "error", err)
		os.Exit(1)
	}
	log.Info("ringchan: stopped")
}

func loadConfig(path, envFile string) (*config.Config, error) {
	c := config.Default()
	cfg := &c
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := config.LoadEnv(cfg, envFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ringOptions(ctx context.Context, cfg *config.Config, log *slog.Logger) []shm.Option {
	return []shm.Option{
		shm.WithContext(ctx),
		shm.WithLogger(log),
		shm.WithMetrics(metrics.DefaultRegistry, "ringchan/"+cfg.Ring.Name),
		shm.WithYieldBytes(cfg.Ring.YieldBytes),
		shm.WithArenaBytes(cfg.Ring.ArenaBytes),
	}
}

func relayOptions(cfg *config.Config, log *slog.Logger) relay.Options {
	return relay.Options{
		ReadLimit: cfg.Relay.ReadLimit,
		Reconnect: cfg.Relay.Reconnect.Duration,
		Logger:    log,
		Registry:  metrics.DefaultRegistry,
	}
}

func openSegment(cfg *config.Config, log *slog.Logger) (*shm.Region, error) {
	r, err := shm.OpenRegion(shm.SegmentOptions{
		Path:     cfg.Ring.Path,
		Name:     cfg.Ring.Name,
		Capacity: cfg.Ring.Capacity,
		Create:   cfg.Ring.Create,
	})
	if err != nil {
		return nil, err
	}
	log.Info("shm: segment mapped", "name", cfg.Ring.Name, "size", r.Size(), "create", cfg.Ring.Create)
	return r, nil
}

// bench round-trips count messages through an in-process region.
func bench(ctx context.Context, cfg *config.Config, count, size int, log *slog.Logger) error {
	r := shm.Allocate(cfg.Ring.Capacity)
	if limit := r.MaxPayload(); size < 0 || size > limit {
		return fmt.Errorf("bench: size %d outside [0, %d]", size, limit)
	}
	opts := ringOptions(ctx, cfg, log)
	w := shm.NewWriter(r, opts...)
	rd := shm.NewReader(r, opts...)

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		queued := 0
		for range count {
			if !w.Write(size, func(buf []byte, off int) int { return off + copy(buf[off:], payload) }) {
				queued++
			}
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}
		}
		log.Info("bench: writer done", "queued", queued)
		errc <- w.Flush(ctx)
	}()

	var total int
	for range count {
		err := rd.Read(ctx, func(buf []byte, off, n int) (shm.Ack, error) {
			total += n
			return shm.Done, nil
		})
		if err != nil {
			return err
		}
	}
	if err := <-errc; err != nil {
		return err
	}

	elapsed := time.Since(start)
	log.Info("bench: done",
		"messages", count,
		"bytes", total,
		"elapsed", elapsed,
		"msg_per_sec", int(float64(count)/elapsed.Seconds()),
		"mib_per_sec", float64(total)/elapsed.Seconds()/(1<<20),
	)
	return nil
}

// relayIn feeds an upstream websocket into the segment.
func relayIn(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Relay.Upstream == "" {
		return errors.New("relay-in needs relay.upstream")
	}
	r, err := openSegment(cfg, log)
	if err != nil {
		return err
	}
	defer r.Close()

	w := shm.NewWriter(r, ringOptions(ctx, cfg, log)...)
	var in *relay.Ingress
	if cfg.Relay.Streams {
		in = relay.NewStreamIngress(cfg.Relay.Upstream, ipc.NewPublisher(w, 0, log), relayOptions(cfg, log))
	} else {
		in = relay.NewIngress(cfg.Relay.Upstream, w, relayOptions(cfg, log))
	}
	log.Info("relay: ingress starting", "upstream", cfg.Relay.Upstream, "streams", cfg.Relay.Streams)
	return in.Run(ctx)
}

// relayOut serves the segment to one websocket client at a time.
func relayOut(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	r, err := openSegment(cfg, log)
	if err != nil {
		return err
	}
	defer r.Close()

	eg := relay.NewEgress(cfg.Ring.Name, r.Size(), shm.NewReader(r, ringOptions(ctx, cfg, log)...), cfg.Relay.Text, relayOptions(cfg, log))
	mux := http.NewServeMux()
	mux.Handle("/ring", eg)
	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("relay: egress listening", "addr", cfg.Relay.Listen, "path", "/ring", "text", cfg.Relay.Text)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func dumpMetrics(log *slog.Logger) {
	var names []string
	values := map[string]int64{}
	metrics.DefaultRegistry.Each(func(name string, m any) {
		switch m := m.(type) {
		case *metrics.Counter:
			values[name] = m.Snapshot().Count()
		case *metrics.Gauge:
			values[name] = m.Snapshot().Value()
		default:
			return
		}
		names = append(names, name)
	})
	sort.Strings(names)
	for _, name := range names {
		log.Debug("metrics", "name", name, "value", values[name])
	}
}
