// Package app wires the Balti Voice subsystems into a running application.
//
// The App owns the full lifecycle: New connects the subsystems (gateway
// registry, transcript store, session manager, control surface), Run serves
// the control surface until the context is cancelled, and Shutdown tears
// everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/balti-ai/balti-voice/internal/config"
	"github.com/balti-ai/balti-voice/internal/control"
	"github.com/balti-ai/balti-voice/internal/health"
	"github.com/balti-ai/balti-voice/internal/observe"
	"github.com/balti-ai/balti-voice/internal/session"
	"github.com/balti-ai/balti-voice/internal/transcript/store"
	"github.com/balti-ai/balti-voice/pkg/gateway"
	gwgemini "github.com/balti-ai/balti-voice/pkg/gateway/gemini"
	gwmock "github.com/balti-ai/balti-voice/pkg/gateway/mock"
	gwopenai "github.com/balti-ai/balti-voice/pkg/gateway/openai"
)

// defaultListenAddr is used when server.listen_addr is unset.
const defaultListenAddr = ":8080"

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	sessions *SessionManager
	server   *http.Server
	watcher  *config.Watcher
	level    *slog.LevelVar
	log      *slog.Logger

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Options carries the optional pieces main cannot always provide.
type Options struct {
	// Devices supplies the audio endpoints. Defaults to [PortAudioDevices].
	Devices Devices

	// ConfigPath enables hot reload of the config file when non-empty.
	ConfigPath string

	// LogLevel, when non-nil, is adjusted on config hot reload.
	LogLevel *slog.LevelVar

	// Logger overrides the default logger.
	Logger *slog.Logger
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		cfg:   cfg,
		level: opts.LogLevel,
		log:   opts.Logger,
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	devices := opts.Devices
	if devices == nil {
		devices = PortAudioDevices{}
	}

	registry := config.NewRegistry()
	RegisterBuiltinGateways(registry)

	metrics := observe.DefaultMetrics()

	// Transcript persistence is optional.
	var transcripts *store.Store
	if dsn := cfg.Transcript.PostgresDSN; dsn != "" {
		st, err := store.NewStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: transcript store: %w", err)
		}
		transcripts = st
		a.closers = append(a.closers, func() error {
			st.Close()
			return nil
		})
		a.log.Info("transcript store connected")
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Registry: registry,
		Devices:  devices,
		Metrics:  metrics,
		Store:    storeOrNil(transcripts),
		Logger:   a.log,
	})

	checkers := []health.Checker{
		health.Database("transcript-store", pingerOrNil(transcripts)),
		gatewayRegistered(registry, cfg.Gateway.Name),
	}
	hh := health.New(checkers...)

	srv := control.New(a.sessions, hh, metrics, control.WithLogger(a.log))

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, a.applyReload)
		if err != nil {
			// Hot reload is a convenience; a watcher failure should not stop
			// startup when the config itself already loaded.
			a.log.Warn("config watcher disabled", "err", err)
		} else {
			a.watcher = w
		}
	}

	return a, nil
}

// Sessions exposes the session manager, mainly for tests.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Run serves the control surface and blocks until ctx is cancelled or the
// server fails. On cancellation the listener is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("control surface listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(drainCtx)
		return gctx.Err()
	})
	return g.Wait()
}

// Shutdown stops the session, the HTTP server, and all subsystems in reverse
// init order. It respects the context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, session.ErrNotRunning) {
			a.log.Warn("session stop error during shutdown", "err", err)
		}

		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = err
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// applyReload reacts to a config file change. Only the log level and the
// assistant persona apply live; anything else needs a restart.
func (a *App) applyReload(old, next *config.Config) {
	diff := config.Diff(old, next)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(diff.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.AssistantChanged {
		a.cfg.Assistant = next.Assistant
		a.log.Info("assistant persona updated; applies to the next session")
	}

	if diff.RestartRequired {
		a.log.Warn("config change requires restart to take effect")
	}
}

// RegisterBuiltinGateways wires the gateway implementations that ship with
// the engine into reg.
func RegisterBuiltinGateways(reg *config.Registry) {
	reg.RegisterGateway("gemini-live", func(cfg config.GatewayConfig) (gateway.Client, error) {
		var opts []gwgemini.Option
		if cfg.Model != "" {
			opts = append(opts, gwgemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gwgemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Voice != "" {
			opts = append(opts, gwgemini.WithVoice(cfg.Voice))
		}
		return gwgemini.New(cfg.APIKey, opts...), nil
	})

	reg.RegisterGateway("openai-cascade", func(cfg config.GatewayConfig) (gateway.Client, error) {
		var opts []gwopenai.Option
		if cfg.Model != "" {
			opts = append(opts, gwopenai.WithChatModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gwopenai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Voice != "" {
			opts = append(opts, gwopenai.WithVoice(cfg.Voice))
		}
		return gwopenai.New(cfg.APIKey, opts...)
	})

	reg.RegisterGateway("mock", func(config.GatewayConfig) (gateway.Client, error) {
		return &gwmock.Client{}, nil
	})
}

// gatewayRegistered is a readiness checker verifying the configured gateway
// has a registered factory.
func gatewayRegistered(reg *config.Registry, name string) health.Checker {
	return health.Checker{
		Name: "gateway",
		Check: func(context.Context) error {
			if !slices.Contains(reg.Names(), name) {
				return fmt.Errorf("gateway %q is not registered", name)
			}
			return nil
		},
	}
}

// storeOrNil keeps the TranscriptStore interface nil when no store exists;
// a typed nil would defeat the manager's nil check.
func storeOrNil(st *store.Store) TranscriptStore {
	if st == nil {
		return nil
	}
	return st
}

func pingerOrNil(st *store.Store) health.Pinger {
	if st == nil {
		return nil
	}
	return st
}
