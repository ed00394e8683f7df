// Package app wires all Voxline subsystems into a running call server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, then drains
// live call sessions and tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCallStore, WithTranscriptStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/identity"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/session"
	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/internal/store/postgres"
	"github.com/voxline-ai/voxline/internal/summary"
	"github.com/voxline-ai/voxline/internal/transport"
	"github.com/voxline-ai/voxline/pkg/provider/llm"
	"github.com/voxline-ai/voxline/pkg/provider/stt"
	"github.com/voxline-ai/voxline/pkg/provider/tts"
)

// drainTimeout bounds how long Run waits for live call sessions to finish
// their teardown after the listener has stopped.
const drainTimeout = 15 * time.Second

// Providers holds one interface value per pipeline stage. Nil means the
// stage is not configured; sessions degrade accordingly (no transcription
// without STT, greeting-only without LLM or TTS). Populated by main.go via
// the config registry.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and serves the media-stream endpoint.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	calls       store.CallStore
	transcripts store.TranscriptStore
	db          *postgres.Store
	summarizer  session.Summarizer
	resolver    identity.Resolver
	registry    *session.Registry
	mux         *http.ServeMux

	// closers are called in order during shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCallStore injects a call store instead of connecting to PostgreSQL.
func WithCallStore(s store.CallStore) Option {
	return func(a *App) { a.calls = s }
}

// WithTranscriptStore injects a transcript store instead of connecting to PostgreSQL.
func WithTranscriptStore(s store.TranscriptStore) Option {
	return func(a *App) { a.transcripts = s }
}

// WithSummarizer injects a post-call summarizer instead of building one from
// the configured LLM provider.
func WithSummarizer(s session.Summarizer) Option {
	return func(a *App) { a.summarizer = s }
}

// WithResolver injects a caller identity resolver. The default reads the
// userId custom parameter from the stream start message.
func WithResolver(r identity.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithLogger injects the application logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.resolver == nil {
		a.resolver = identity.ParamResolver{}
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.initSummarizer()
	a.registry = session.NewRegistry(a.newSession)
	a.initRoutes()

	return a, nil
}

// initStore connects the PostgreSQL store when a DSN is configured and no
// store was injected. With neither, calls run without persistence.
func (a *App) initStore(ctx context.Context) error {
	if a.calls != nil || a.transcripts != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return nil
	}

	db, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.db = db
	a.calls = db
	a.transcripts = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	return nil
}

// initSummarizer builds the post-call summarizer from the LLM provider. A
// summarizer without a transcript store would have nowhere to write, so both
// must be present.
func (a *App) initSummarizer() {
	if a.summarizer != nil || a.providers.LLM == nil || a.transcripts == nil {
		return
	}
	s, err := summary.New(a.providers.LLM)
	if err != nil {
		a.log.Warn("summarizer disabled", "err", err)
		return
	}
	a.summarizer = s
}

// newSession is the registry factory. It assembles per-call dependencies
// around the shared providers and stores.
func (a *App) newSession(callID, ownerID string, out session.Outbound) (*session.Session, error) {
	sc := a.cfg.Session
	return session.New(session.Deps{
		CallID:      callID,
		OwnerID:     ownerID,
		Outbound:    out,
		STT:         a.providers.STT,
		LLM:         a.providers.LLM,
		TTS:         a.providers.TTS,
		Calls:       a.calls,
		Transcripts: a.transcripts,
		Summarizer:  a.summarizer,
		Logger:      a.log,
		Metrics:     a.metrics,
	}, session.Config{
		FrameBytes:          sc.FrameBytes,
		SampleRate:          sc.SampleRate,
		InboundBufferFrames: sc.InboundBufferFrames,
		BargeInFrames:       sc.BargeInFrames,
		BargeInEnergy:       sc.BargeInEnergy,
		IdleTimeout:         sc.IdleTimeout.Std(),
		TurnTimeout:         sc.TurnTimeout.Std(),
		Greeting:            sc.Greeting,
		SystemPrompt:        sc.SystemPrompt,
		Voice: tts.VoiceProfile{
			ID:       sc.VoiceID,
			Language: sc.Language,
		},
		Language: sc.Language,
	})
}

// initRoutes assembles the HTTP mux. The media-stream WebSocket endpoint is
// served raw; request middleware would hold a histogram sample open for the
// whole call.
func (a *App) initRoutes() {
	mux := http.NewServeMux()

	mux.Handle("/media", transport.NewHandler(a.registry, a.resolver, a.log))

	wrapped := http.NewServeMux()
	wrapped.Handle("GET /metrics", promhttp.Handler())
	wrapped.HandleFunc("GET /calls", a.handleListCalls)

	var checkers []health.Checker
	if a.db != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.db.Ping})
	}
	health.New(a.registry.Len, checkers...).Register(wrapped)

	mux.Handle("/", observe.Middleware(a.metrics)(wrapped))
	a.mux = mux
}

// Handler returns the root HTTP handler. Exposed for tests.
func (a *App) Handler() http.Handler { return a.mux }

// Registry returns the live session registry. Exposed for tests.
func (a *App) Registry() *session.Registry { return a.registry }

// handleListCalls serves recent call records for one owner from the
// persistent store.
func (a *App) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		http.Error(w, `{"error":"persistence disabled"}`, http.StatusNotImplemented)
		return
	}

	ownerID := r.URL.Query().Get("owner")
	if ownerID == "" {
		http.Error(w, `{"error":"owner query parameter is required"}`, http.StatusBadRequest)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	calls, err := a.db.ListCallsByOwner(r.Context(), ownerID, limit)
	if err != nil {
		a.log.Error("list calls", "owner_id", ownerID, "err", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if calls == nil {
		calls = []store.Call{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(calls); err != nil {
		a.log.Warn("encode calls response", "err", err)
	}
}

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. On cancellation it stops accepting
// connections, drains live call sessions, and closes all subsystems.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			a.log.Info("listening", "addr", addr, "tls", true)
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			a.log.Info("listening", "addr", addr, "tls", false)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		// Stop accepting new streams, then ask every live session to
		// finish. Each session flushes its transcript on the way out.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
		a.drainSessions(shutdownCtx)
		return ctx.Err()
	})

	err := g.Wait()
	a.close()
	return err
}

// drainSessions closes every live session and waits for teardown, bounded
// by ctx.
func (a *App) drainSessions(ctx context.Context) {
	closed := a.registry.CloseAll()
	if len(closed) == 0 {
		return
	}
	a.log.Info("draining call sessions", "count", len(closed))

	for _, s := range closed {
		select {
		case <-s.Done():
		case <-ctx.Done():
			a.log.Warn("session drain timed out", "call_id", s.CallID())
			return
		}
	}
}

// close runs all registered closers once, in order.
func (a *App) close() {
	a.stopOnce.Do(func() {
		for _, c := range a.closers {
			if err := c(); err != nil {
				a.log.Warn("close subsystem", "err", err)
			}
		}
	})
}
