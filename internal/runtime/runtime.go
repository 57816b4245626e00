package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-mic/internal/audio"
	"github.com/loqalabs/loqa-mic/internal/bus"
	"github.com/loqalabs/loqa-mic/internal/capability"
	"github.com/loqalabs/loqa-mic/internal/config"
	"github.com/loqalabs/loqa-mic/internal/mainloop"
	"github.com/loqalabs/loqa-mic/internal/natsserver"
	"github.com/loqalabs/loqa-mic/internal/screen"
	"github.com/loqalabs/loqa-mic/internal/session"
	"github.com/loqalabs/loqa-mic/internal/speech"
	"github.com/loqalabs/loqa-mic/internal/stt"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   *capability.Registry
	stt        *stt.Service
	engine     audio.Engine
	recognizer recognizerBinding
	loop       *mainloop.Loop
	screen     *screen.Screen
	controller *session.Controller
	unwatch    []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startBus(ctx); err != nil {
		r.closeAll(context.Background())
		return err
	}
	if err := r.startSession(); err != nil {
		r.closeAll(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry.metricsHandler != nil {
		mux.Handle("/metrics", r.telemetry.metricsHandler)
	}
	mux.HandleFunc("/screen", r.screen.HandleScreen)
	mux.HandleFunc("/toggle", r.screen.ToggleHandler(r.loop, r.controller.Toggle))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The main loop outlives the HTTP server so in-flight toggles and the
	// controller's shutdown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		r.loop.Run(loopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.unwatch = append(r.unwatch, r.controller.ObserveAvailability())
	authorized := r.controller.RequestAuthorization()
	g.Go(func() error {
		select {
		case status := <-authorized:
			r.logger.Info("speech recognition authorization resolved", slog.String("status", status.String()))
		case <-gctx.Done():
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	runErr := g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, fn := range r.unwatch {
		fn()
	}
	if err := r.loop.Do(shutdownCtx, r.controller.Close); err != nil {
		r.logger.Warn("controller shutdown skipped", slog.String("error", err.Error()))
	}
	stopLoop()
	<-loopDone

	r.closeAll(shutdownCtx)
	return runErr
}

func (r *Runtime) startBus(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded
	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	node := r.cfg.Node
	if r.cfg.STT.Enabled {
		node = withCapability(node, r.cfg.Recognition.Capability)
		transcriber, err := newTranscriber(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("failed to create transcriber: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, client, transcriber, r.logger)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("failed to start stt service: %w", err)
		}
	}

	registry, err := capability.NewRegistry(ctx, node, client, r.logger,
		capability.WithMeterProvider(r.telemetry.meterProvider))
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) startSession() error {
	engine, configurator, err := newEngine(r.cfg.Capture, r.bus, r.logger)
	if err != nil {
		return err
	}
	r.engine = engine

	binding, err := newRecognizer(r.cfg.Recognition, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.recognizer = binding
	if binding.setAvailable != nil {
		r.unwatch = append(r.unwatch, r.registry.Watch(r.cfg.Recognition.Capability, binding.setAvailable))
	}

	authorizer, err := newAuthorizer(r.cfg.Authorization)
	if err != nil {
		return err
	}

	r.loop = mainloop.New(r.cfg.Recognition.QueueSize, r.logger)
	r.screen = screen.New(r.bus, r.logger)

	queueSize := r.cfg.Recognition.QueueSize
	controller, err := session.New(session.Deps{
		Engine:       engine,
		Configurator: configurator,
		Recognizer:   binding.recognizer,
		Authorizer:   authorizer,
		Display:      r.screen,
		Control:      r.screen,
		Dispatcher:   r.loop,
		BufferSize:   r.cfg.Capture.BufferSize,
		NewRequest:   func() (*speech.Request, error) { return speech.NewRequest(queueSize) },

		MeterProvider:  r.telemetry.meterProvider,
		TracerProvider: r.telemetry.tracerProvider,
	}, r.logger)
	if err != nil {
		return err
	}
	r.controller = controller
	r.screen.TrackState(controller.State)
	return nil
}

func (r *Runtime) closeAll(ctx context.Context) {
	if r.engine != nil {
		r.engine.Stop()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return r.stt == nil || r.stt.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
