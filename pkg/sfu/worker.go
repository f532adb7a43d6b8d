package sfu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionWorker implements Worker in-process on pion/webrtc's ORTC API.
// The worker runs ICE-lite: clients initiate connectivity checks
// against the worker's host candidates, so no remote candidates are
// ever signaled to it.
type PionWorker struct {
	api    *webrtc.API
	cfg    Config
	codecs []webrtc.RTPCodecParameters

	mu      sync.Mutex
	routers map[string]*pionRouter
	closed  bool
	died    chan error
}

// NewWorker validates the network config and builds the shared media
// engine.
func NewWorker(cfg Config) (*PionWorker, error) {
	if net.ParseIP(cfg.ListenIP) == nil {
		return nil, fmt.Errorf("invalid listen IP %q", cfg.ListenIP)
	}
	if cfg.AnnouncedIP != "" && net.ParseIP(cfg.AnnouncedIP) == nil {
		return nil, fmt.Errorf("invalid announced IP %q", cfg.AnnouncedIP)
	}
	if cfg.MinPort == 0 || cfg.MinPort >= cfg.MaxPort {
		return nil, fmt.Errorf("invalid RTC port range %d..%d", cfg.MinPort, cfg.MaxPort)
	}

	settings := webrtc.SettingEngine{}
	settings.SetLite(true)
	if err := settings.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
		return nil, fmt.Errorf("set RTC port range: %w", err)
	}
	if cfg.AnnouncedIP != "" {
		settings.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	mediaEngine := &webrtc.MediaEngine{}
	codecs := defaultCodecs()
	for _, codec := range codecs {
		kind := webrtc.RTPCodecTypeVideo
		if kindOfMimeType(codec.MimeType) == MediaKindAudio {
			kind = webrtc.RTPCodecTypeAudio
		}
		if err := mediaEngine.RegisterCodec(codec, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}

	logging.Info(context.Background(), "media worker ready",
		zap.String("listen_ip", cfg.ListenIP),
		zap.String("announced_ip", cfg.AnnouncedIP),
		zap.Uint16("min_port", cfg.MinPort),
		zap.Uint16("max_port", cfg.MaxPort))

	return &PionWorker{
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settings), webrtc.WithMediaEngine(mediaEngine)),
		cfg:     cfg,
		codecs:  codecs,
		routers: make(map[string]*pionRouter),
		died:    make(chan error, 1),
	}, nil
}

// NewRouter implements Worker.
func (w *PionWorker) NewRouter(ctx context.Context) (Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New("worker is closed")
	}

	r := &pionRouter{
		id:         uuid.NewString(),
		worker:     w,
		transports: make(map[string]*pionTransport),
		producers:  make(map[string]*pionProducer),
	}
	w.routers[r.id] = r
	metrics.SfuRoutersActive.Inc()
	logging.Info(ctx, "sfu router created", zap.String("router_id", r.id))
	return r, nil
}

// Died implements Worker. An in-process worker has no separate process
// to die; the channel exists so callers keep the supervisor contract.
func (w *PionWorker) Died() <-chan error {
	return w.died
}

// fail marks the worker dead and wakes the watchdog once.
func (w *PionWorker) fail(err error) {
	select {
	case w.died <- err:
	default:
	}
}

// Close implements Worker. Every router and its transports close with
// the worker.
func (w *PionWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*pionRouter, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*pionRouter)
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dropRouter detaches a closed router from the worker index.
func (w *PionWorker) dropRouter(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.routers[id]; ok {
		delete(w.routers, id)
		metrics.SfuRoutersActive.Dec()
	}
}
