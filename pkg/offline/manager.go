// Package offline is the last-resort translator: locally installed phrase
// models that work without any network access.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/translation"
)

// Quality selects the accuracy a model tier is rated at.
type Quality string

const (
	QualityFast     Quality = "fast"
	QualityBalanced Quality = "balanced"
	QualityHigh     Quality = "high"
)

func (q Quality) Accuracy() float64 {
	switch q {
	case QualityFast:
		return 0.75
	case QualityHigh:
		return 0.95
	default:
		return 0.85
	}
}

const modelVersion = "1.0.0"

// DefaultSupportedPairs are the pairs offered when none are configured.
var DefaultSupportedPairs = []string{
	"en-it", "it-en", "en-fr", "fr-en", "en-de", "de-en", "en-es", "es-en",
	"en-ja", "ja-en", "en-ko", "ko-en", "en-zh", "zh-en", "en-ru", "ru-en",
}

// PopularPairs are loaded eagerly by PreloadPopular.
var PopularPairs = []string{"en-it", "it-en", "en-fr", "en-de", "en-es", "en-ja"}

// Descriptor describes one supported pair and its model. Descriptors are
// never removed; Remove only clears Installed and deletes the artifact.
type Descriptor struct {
	SourceLang    string    `json:"source_lang" yaml:"source_lang"`
	TargetLang    string    `json:"target_lang" yaml:"target_lang"`
	Name          string    `json:"name" yaml:"name"`
	Version       string    `json:"version" yaml:"version"`
	Installed     bool      `json:"installed" yaml:"installed"`
	AccuracyScore float64   `json:"accuracy_score" yaml:"accuracy_score"`
	UsageCount    int64     `json:"usage_count" yaml:"usage_count"`
	LastUsed      time.Time `json:"last_used" yaml:"last_used"`
	InstalledAt   time.Time `json:"installed_at" yaml:"installed_at"`
	Path          string    `json:"path" yaml:"path"`
	SizeBytes     int64     `json:"size_bytes" yaml:"size_bytes"`
	DownloadURL   string    `json:"download_url" yaml:"download_url"`
}

func (d Descriptor) Pair() string {
	return translation.LangPair(d.SourceLang, d.TargetLang)
}

// ModelMetrics aggregates translation outcomes for one model.
type ModelMetrics struct {
	Total               int64         `json:"total"`
	Successful          int64         `json:"successful"`
	Failed              int64         `json:"failed"`
	AverageLatency      time.Duration `json:"average_latency"`
	AverageConfidence   float64       `json:"average_confidence"`
	CharactersProcessed int64         `json:"characters_processed"`
}

// Registry persists descriptors across restarts.
type Registry interface {
	LoadModels(ctx context.Context) ([]Descriptor, error)
	SaveModel(ctx context.Context, d Descriptor) error
}

type Config struct {
	ModelsDir       string
	SupportedPairs  []string
	Quality         Quality
	DownloadBaseURL string
	CleanupAfter    time.Duration
	MinUsage        int64
}

type model struct {
	desc    Descriptor
	engine  Model
	metrics ModelMetrics
}

// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	models   map[string]*model
	order    []string
	cfg      Config
	fetcher  Fetcher
	loader   Loader
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithFetcher(f Fetcher) Option   { return func(m *Manager) { m.fetcher = f } }
func WithLoader(l Loader) Option     { return func(m *Manager) { m.loader = l } }
func WithRegistry(r Registry) Option { return func(m *Manager) { m.registry = r } }
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a descriptor for every supported pair. A pair whose
// artifact already exists in ModelsDir starts out installed; persisted
// usage counters are restored from the registry when one is set.
func NewManager(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.ModelsDir == "" {
		return nil, translation.ErrConfig.WithMessage("offline models_dir is required")
	}
	if len(cfg.SupportedPairs) == 0 {
		cfg.SupportedPairs = DefaultSupportedPairs
	}
	if cfg.Quality == "" {
		cfg.Quality = QualityBalanced
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = 24 * time.Hour
	}
	if cfg.MinUsage <= 0 {
		cfg.MinUsage = 5
	}

	m := &Manager{
		models:  make(map[string]*model),
		cfg:     cfg,
		fetcher: DefaultFetcher{},
		loader:  LoadPhraseFile,
		logger:  logger.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	for _, p := range cfg.SupportedPairs {
		src, tgt, ok := splitPair(p)
		if !ok {
			return nil, translation.ErrConfig.WithMessage(fmt.Sprintf("invalid language pair %q", p))
		}
		pair := translation.LangPair(src, tgt)
		if _, dup := m.models[pair]; dup {
			continue
		}
		d := m.newDescriptor(src, tgt)
		if fi, err := os.Stat(d.Path); err == nil && !fi.IsDir() {
			d.Installed = true
			d.SizeBytes = fi.Size()
			d.InstalledAt = fi.ModTime()
		}
		m.models[pair] = &model{desc: d}
		m.order = append(m.order, pair)
	}

	if m.registry != nil {
		saved, err := m.registry.LoadModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("load model registry: %w", err)
		}
		for _, s := range saved {
			if md, ok := m.models[s.Pair()]; ok {
				md.desc.UsageCount = s.UsageCount
				md.desc.LastUsed = s.LastUsed
				if md.desc.Installed && !s.InstalledAt.IsZero() {
					md.desc.InstalledAt = s.InstalledAt
				}
			}
		}
	}
	return m, nil
}

func splitPair(p string) (string, string, bool) {
	src, tgt, ok := strings.Cut(translation.NormalizeLang(p), "-")
	if !ok || src == "" || tgt == "" || src == tgt {
		return "", "", false
	}
	return src, tgt, true
}

func (m *Manager) newDescriptor(src, tgt string) Descriptor {
	pair := translation.LangPair(src, tgt)
	d := Descriptor{
		SourceLang:    src,
		TargetLang:    tgt,
		Name:          "phrase-" + pair,
		Version:       modelVersion,
		AccuracyScore: m.cfg.Quality.Accuracy(),
		Path:          filepath.Join(m.cfg.ModelsDir, pair+".po"),
	}
	switch {
	case m.cfg.DownloadBaseURL != "":
		d.DownloadURL = strings.TrimRight(m.cfg.DownloadBaseURL, "/") + "/" + pair + ".po"
	case hasSeed(pair):
		d.DownloadURL = seedScheme + pair + ".po"
	}
	return d
}

// IsSupported reports whether pair is configured, installed or not.
func (m *Manager) IsSupported(sourceLang, targetLang string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.models[translation.LangPair(sourceLang, targetLang)]
	return ok
}

// IsInstalled reports whether the pair's model can translate right now.
func (m *Manager) IsInstalled(sourceLang, targetLang string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.models[translation.LangPair(sourceLang, targetLang)]
	return ok && md.desc.Installed
}

// Translate runs the installed model for the pair.
func (m *Manager) Translate(ctx context.Context, text, sourceLang, targetLang string) (translation.Translation, error) {
	pair := translation.LangPair(sourceLang, targetLang)
	if err := ctx.Err(); err != nil {
		return translation.Translation{}, translation.ErrDeadlineExceeded.WithCause(err)
	}

	engine, desc, err := m.engineFor(pair)
	if err != nil {
		return translation.Translation{}, err
	}

	start := time.Now()
	out, coverage := engine.Translate(text)
	latency := time.Since(start)

	if coverage == 0 || strings.TrimSpace(out) == "" {
		m.record(pair, latency, 0, utf8.RuneCountInString(text), false)
		return translation.Translation{}, translation.ErrNoTranslation.WithDetails("model", desc.Name)
	}

	confidence := translation.ClampScore(desc.AccuracyScore * coverage)
	updated := m.record(pair, latency, confidence, utf8.RuneCountInString(text), true)
	m.persist(ctx, updated)

	return translation.Translation{
		Text:       out,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Confidence: confidence,
		Source:     translation.SourceOffline,
		Provider:   desc.Name,
		Latency:    latency,
	}, nil
}

// engineFor returns the loaded engine, loading it on first use.
func (m *Manager) engineFor(pair string) (Model, Descriptor, error) {
	m.mu.RLock()
	md, ok := m.models[pair]
	if !ok || !md.desc.Installed {
		m.mu.RUnlock()
		return nil, Descriptor{}, translation.ErrModelNotInstalled.
			WithDetails("pair", pair).
			WithDetails("supported", ok)
	}
	engine, desc := md.engine, md.desc
	m.mu.RUnlock()
	if engine != nil {
		return engine, desc, nil
	}

	loaded, err := m.loader(desc.Path)
	if err != nil {
		return nil, Descriptor{}, translation.ErrModelNotInstalled.WithCause(err).WithDetails("pair", pair)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok = m.models[pair]
	if !ok || !md.desc.Installed {
		return nil, Descriptor{}, translation.ErrModelNotInstalled.WithDetails("pair", pair)
	}
	if md.engine == nil {
		md.engine = loaded
	}
	return md.engine, md.desc, nil
}

func (m *Manager) record(pair string, latency time.Duration, confidence float64, chars int, ok bool) Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	md := m.models[pair]
	if md == nil {
		return Descriptor{}
	}
	mt := &md.metrics
	mt.Total++
	mt.CharactersProcessed += int64(chars)
	mt.AverageLatency += (latency - mt.AverageLatency) / time.Duration(mt.Total)
	if ok {
		mt.Successful++
		mt.AverageConfidence += (confidence - mt.AverageConfidence) / float64(mt.Successful)
		md.desc.UsageCount++
		md.desc.LastUsed = m.now()
	} else {
		mt.Failed++
	}
	return md.desc
}

func (m *Manager) persist(ctx context.Context, d Descriptor) {
	if m.registry == nil || d.Name == "" {
		return
	}
	if err := m.registry.SaveModel(ctx, d); err != nil {
		m.logger.Warn("persist offline model failed",
			slog.String("model", d.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Download installs the pair's model from its download source. It is a
// no-op for a model that is already installed.
func (m *Manager) Download(ctx context.Context, sourceLang, targetLang string) (Descriptor, error) {
	pair := translation.LangPair(sourceLang, targetLang)
	m.mu.RLock()
	md, ok := m.models[pair]
	var desc Descriptor
	if ok {
		desc = md.desc
	}
	m.mu.RUnlock()

	if !ok {
		return Descriptor{}, translation.ErrUnsupportedPair.WithDetails("pair", pair)
	}
	if desc.Installed {
		return desc, nil
	}
	if desc.DownloadURL == "" {
		return Descriptor{}, translation.ErrModelDownloadFailed.
			WithMessage("no download source configured").
			WithDetails("pair", pair)
	}
	return m.install(ctx, pair, desc.DownloadURL)
}

// Import installs the pair's model from a local file.
func (m *Manager) Import(ctx context.Context, sourceLang, targetLang, path string) (Descriptor, error) {
	pair := translation.LangPair(sourceLang, targetLang)
	if !m.IsSupported(sourceLang, targetLang) {
		return Descriptor{}, translation.ErrUnsupportedPair.WithDetails("pair", pair)
	}
	return m.install(ctx, pair, path)
}

// install fetches into a temp file, validates it loads, then renames it
// into place so a failed download never leaves a half-written model.
func (m *Manager) install(ctx context.Context, pair, source string) (Descriptor, error) {
	m.mu.RLock()
	target := m.models[pair].desc.Path
	m.mu.RUnlock()

	tmp, err := os.CreateTemp(m.cfg.ModelsDir, pair+".*.part")
	if err != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	fetchErr := m.fetcher.Fetch(ctx, source, tmp)
	closeErr := tmp.Close()
	if fetchErr != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(fetchErr).WithDetails("pair", pair)
	}
	if closeErr != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(closeErr).WithDetails("pair", pair)
	}

	engine, err := m.loader(tmpName)
	if err != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(err).WithDetails("pair", pair)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(err).WithDetails("pair", pair)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return Descriptor{}, translation.ErrModelDownloadFailed.WithCause(err).WithDetails("pair", pair)
	}

	m.mu.Lock()
	md := m.models[pair]
	md.desc.Installed = true
	md.desc.SizeBytes = fi.Size()
	md.desc.InstalledAt = m.now()
	md.engine = engine
	desc := md.desc
	m.mu.Unlock()

	m.persist(ctx, desc)
	m.logger.Info("offline model installed",
		slog.String("model", desc.Name),
		slog.Int64("size_bytes", desc.SizeBytes),
		slog.Int("entries", engine.Entries()),
	)
	return desc, nil
}

// Remove deletes the artifact and marks the pair not installed. The
// descriptor and its usage history stay.
func (m *Manager) Remove(ctx context.Context, sourceLang, targetLang string) (Descriptor, error) {
	pair := translation.LangPair(sourceLang, targetLang)

	m.mu.Lock()
	md, ok := m.models[pair]
	if !ok {
		m.mu.Unlock()
		return Descriptor{}, translation.ErrModelNotFound.WithDetails("pair", pair)
	}
	if err := os.Remove(md.desc.Path); err != nil && !os.IsNotExist(err) {
		m.mu.Unlock()
		return Descriptor{}, fmt.Errorf("remove model file: %w", err)
	}
	md.desc.Installed = false
	md.desc.SizeBytes = 0
	md.desc.InstalledAt = time.Time{}
	md.engine = nil
	desc := md.desc
	m.mu.Unlock()

	m.persist(ctx, desc)
	m.logger.Info("offline model removed", slog.String("model", desc.Name))
	return desc, nil
}

// CleanupUnused removes installed models idle longer than CleanupAfter that
// were used fewer than MinUsage times.
func (m *Manager) CleanupUnused(ctx context.Context) ([]Descriptor, error) {
	now := m.now()
	var stale []Descriptor
	for _, d := range m.Models() {
		if !d.Installed || d.UsageCount >= m.cfg.MinUsage {
			continue
		}
		idleSince := d.LastUsed
		if idleSince.IsZero() {
			idleSince = d.InstalledAt
		}
		if now.Sub(idleSince) > m.cfg.CleanupAfter {
			stale = append(stale, d)
		}
	}

	removed := make([]Descriptor, 0, len(stale))
	for _, d := range stale {
		rd, err := m.Remove(ctx, d.SourceLang, d.TargetLang)
		if err != nil {
			return removed, err
		}
		removed = append(removed, rd)
	}
	return removed, nil
}

// PreloadPopular loads the engines of installed popular pairs into memory
// and installs popular pairs that have a download source when install is
// set. It returns the pairs that are ready afterwards.
func (m *Manager) PreloadPopular(ctx context.Context, install bool) ([]string, error) {
	var ready []string
	for _, p := range PopularPairs {
		src, tgt, _ := splitPair(p)
		if !m.IsSupported(src, tgt) {
			continue
		}
		if !m.IsInstalled(src, tgt) {
			if !install {
				continue
			}
			if _, err := m.Download(ctx, src, tgt); err != nil {
				m.logger.Warn("preload download failed", slog.String("pair", p), slog.String("error", err.Error()))
				continue
			}
		}
		if _, _, err := m.engineFor(translation.LangPair(src, tgt)); err != nil {
			return ready, err
		}
		ready = append(ready, p)
	}
	return ready, nil
}

// Models returns every descriptor in configuration order.
func (m *Manager) Models() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.order))
	for _, p := range m.order {
		out = append(out, m.models[p].desc)
	}
	return out
}

func (m *Manager) Model(sourceLang, targetLang string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.models[translation.LangPair(sourceLang, targetLang)]
	if !ok {
		return Descriptor{}, false
	}
	return md.desc, true
}

// InstalledPairs lists the pairs that can translate right now.
func (m *Manager) InstalledPairs() []string {
	var out []string
	for _, d := range m.Models() {
		if d.Installed {
			out = append(out, d.Pair())
		}
	}
	slices.Sort(out)
	return out
}

func (m *Manager) Metrics() map[string]ModelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ModelMetrics, len(m.models))
	for p, md := range m.models {
		out[p] = md.metrics
	}
	return out
}
