package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/config"
	"github.com/jguan/gametrans/pkg/infra/eventbus"
	"github.com/jguan/gametrans/pkg/infra/ocr"
	"github.com/jguan/gametrans/pkg/infra/provider/deepl"
	"github.com/jguan/gametrans/pkg/infra/provider/google"
	"github.com/jguan/gametrans/pkg/infra/provider/ollama"
	"github.com/jguan/gametrans/pkg/infra/provider/openai"
	"github.com/jguan/gametrans/pkg/infra/store"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/pipeline"
)

// App is the pipeline and its collaborators, assembled from configuration.
type App struct {
	Config   *config.Config
	Creds    *config.CredentialStore
	Backends *backend.Manager
	Offline  *offline.Manager
	Pipeline *pipeline.Context
	// History is nil when the translation log is disabled.
	History *store.TranslationLog
	Events  *eventbus.InMemoryEventBus

	db *sql.DB
}

// BuildApp wires every component named in cfg. Components that cannot
// start degrade the pipeline instead of failing it: a missing tesseract
// disables OCR and an unopenable log database disables logging.
func BuildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Creds:  config.NewCredentialStore(cfg.General.DataDir),
	}

	backends, err := buildBackends(cfg, app.Creds, log)
	if err != nil {
		return nil, err
	}
	app.Backends = backends

	deps := pipeline.Deps{
		Backends: backends,
		Logger:   log,
	}

	var registry offline.Registry
	if cfg.TranslationLog.Enabled {
		db, err := store.Open(cfg.TranslationLog.DBPath)
		if err != nil {
			log.Warn("translation log unavailable", slog.String("path", cfg.TranslationLog.DBPath), slog.String("error", err.Error()))
		} else {
			app.db = db
			app.History = store.NewTranslationLog(db, cfg.TranslationLog.ReviewThreshold)
			deps.Log = app.History
			registry = store.NewModelRegistry(db)
		}
	}
	if registry == nil {
		files, err := store.NewFileRegistry(cfg.General.DataDir)
		if err != nil {
			log.Warn("model registry unavailable", slog.String("error", err.Error()))
		} else {
			registry = files
		}
	}

	if cfg.Pipeline.UseOfflineFallback {
		opts := []offline.Option{offline.WithLogger(log)}
		if registry != nil {
			opts = append(opts, offline.WithRegistry(registry))
		}
		m, err := offline.NewManager(ctx, cfg.OfflineConfig(), opts...)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("offline models: %w", err)
		}
		if cfg.Offline.PreloadPopular {
			if _, err := m.PreloadPopular(ctx, true); err != nil {
				log.Warn("preload popular models", slog.String("error", err.Error()))
			}
		}
		app.Offline = m
		deps.Offline = m
	}

	if cfg.Pipeline.UseOCR {
		t := ocr.NewTesseract(cfg.OCR.TesseractPath)
		t.SetTimeout(cfg.OCR.TimeoutD)
		if t.Available(ctx) {
			deps.OCR = t
		}
	}

	if cfg.Pipeline.UseOptimization {
		o, err := optimizer.New(cfg.OptimizerConfig(), optimizer.WithLogger(log))
		if err != nil {
			app.Close()
			return nil, err
		}
		deps.Optimizer = o
	}

	strategy, err := cfg.CacheStrategy()
	if err != nil {
		app.Close()
		return nil, err
	}
	deps.Games = pipeline.NewGameCache(cfg.Cache.MaxMemoryMB, strategy)

	app.Events = eventbus.NewInMemoryEventBus()
	deps.Events = app.Events

	p, err := pipeline.Initialize(cfg.PipelineConfig(), deps)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Pipeline = p
	return app, nil
}

// buildBackends registers the named backends, or every configured one when
// only is empty, in routing order.
func buildBackends(cfg *config.Config, creds *config.CredentialStore, log *slog.Logger, only ...string) (*backend.Manager, error) {
	m := backend.NewManager(backend.WithLogger(log), backend.WithBestOf(cfg.Pipeline.ParallelTranslation))
	names := only
	if len(names) == 0 {
		names = cfg.BackendNames()
	}
	for _, name := range names {
		desc, ok := cfg.BackendDescriptor(name, creds)
		if !ok {
			return nil, fmt.Errorf("backend %s: not configured", name)
		}
		t, err := newTranslator(cfg.Backends[name])
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		if err := m.Register(desc, t); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// newTranslator builds the provider client for b. The API key travels with
// each request, so clients never hold it.
func newTranslator(b config.BackendConfig) (backend.Translator, error) {
	hc := &http.Client{Timeout: b.TimeoutD}
	switch b.Type {
	case config.TypeDeepL:
		c := deepl.NewClient(b.URL)
		c.SetHTTPClient(hc)
		if b.Confidence > 0 {
			c.SetConfidence(b.Confidence)
		}
		return c, nil
	case config.TypeGoogle:
		c := google.NewClient(b.URL)
		c.SetHTTPClient(hc)
		if b.Confidence > 0 {
			c.SetConfidence(b.Confidence)
		}
		return c, nil
	case config.TypeOpenAI:
		c := openai.NewClient(b.Model, b.URL)
		c.SetHTTPClient(hc)
		c.SetUserAgent("gametrans/" + cliVersion)
		if b.Confidence > 0 {
			c.SetConfidence(b.Confidence)
		}
		return c, nil
	case config.TypeOllama:
		c := ollama.NewClient(b.URL, b.Model)
		c.SetHTTPClient(hc)
		if b.Confidence > 0 {
			c.SetConfidence(b.Confidence)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", b.Type)
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Pipeline != nil {
		errs = append(errs, a.Pipeline.Close())
	} else if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
