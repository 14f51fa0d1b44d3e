package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/infra/metrics"
	"github.com/jguan/gametrans/pkg/infra/ratelimit"
	"github.com/jguan/gametrans/pkg/translation"
)

type entry struct {
	desc       Descriptor
	translator Translator
}

// registry is immutable once published; writers publish a modified copy.
type registry struct {
	entries []entry
}

func (r *registry) find(name string) (entry, int, bool) {
	for i, e := range r.entries {
		if e.desc.Name == name {
			return e, i, true
		}
	}
	return entry{}, -1, false
}

// Manager is safe for concurrent use. Routing reads a registry snapshot
// without locking; configuration changes swap in a new snapshot.
type Manager struct {
	writeMu  sync.Mutex
	reg      atomic.Pointer[registry]
	limiter  *ratelimit.TokenBucketLimiter
	tracker  *metrics.LatencyTracker
	logger   *slog.Logger
	bestOf   atomic.Bool
	batchMax int
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithLimiter(l *ratelimit.TokenBucketLimiter) Option {
	return func(m *Manager) {
		m.limiter = l
	}
}

func WithTracker(t *metrics.LatencyTracker) Option {
	return func(m *Manager) {
		m.tracker = t
	}
}

// WithBestOf makes Translate query every routable backend concurrently and
// keep the highest scoring answer instead of the first success.
func WithBestOf(enabled bool) Option {
	return func(m *Manager) {
		m.bestOf.Store(enabled)
	}
}

// WithBatchConcurrency bounds concurrent calls in TranslateBatch.
func WithBatchConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchMax = n
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		limiter:  ratelimit.New(0),
		tracker:  metrics.NewLatencyTracker(0.2),
		logger:   logger.Default(),
		batchMax: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reg.Store(&registry{})
	return m
}

// Register adds or replaces a backend.
func (m *Manager) Register(desc Descriptor, t Translator) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if t == nil {
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: translator is nil", desc.Name))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.reg.Load()
	next := &registry{entries: slices.Clone(cur.entries)}
	if _, i, ok := cur.find(desc.Name); ok {
		next.entries[i] = entry{desc: desc, translator: t}
	} else {
		next.entries = append(next.entries, entry{desc: desc, translator: t})
	}
	sortEntries(next.entries)
	m.limiter.SetLimit(desc.Name, desc.RateLimitPerMinute)
	m.reg.Store(next)
	return nil
}

// Update applies fn to a copy of the named descriptor and publishes it if
// the result validates. The name cannot change.
func (m *Manager) Update(name string, fn func(*Descriptor)) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.reg.Load()
	e, i, ok := cur.find(name)
	if !ok {
		return translation.ErrBackendNotFound.WithDetails("backend", name)
	}
	desc := e.desc
	fn(&desc)
	desc.Name = name
	if err := desc.Validate(); err != nil {
		return err
	}

	next := &registry{entries: slices.Clone(cur.entries)}
	next.entries[i] = entry{desc: desc, translator: e.translator}
	sortEntries(next.entries)
	if desc.RateLimitPerMinute != e.desc.RateLimitPerMinute {
		m.limiter.SetLimit(name, desc.RateLimitPerMinute)
	}
	m.reg.Store(next)

	m.logger.Debug("backend updated",
		slog.String("backend", name),
		slog.Bool("enabled", desc.Enabled),
		slog.Bool("configured", desc.Configured()),
		slog.Int("priority", desc.Priority),
	)
	return nil
}

func (m *Manager) Enable(name string) error {
	return m.Update(name, func(d *Descriptor) { d.Enabled = true })
}

func (m *Manager) Disable(name string) error {
	return m.Update(name, func(d *Descriptor) { d.Enabled = false })
}

func (m *Manager) SetAPIKey(name, key string) error {
	return m.Update(name, func(d *Descriptor) { d.APIKey = key })
}

func (m *Manager) SetPriority(name string, priority int) error {
	return m.Update(name, func(d *Descriptor) { d.Priority = priority })
}

// SetBestOf toggles best-result routing at runtime.
func (m *Manager) SetBestOf(enabled bool) {
	m.bestOf.Store(enabled)
}

func (m *Manager) BestOf() bool {
	return m.bestOf.Load()
}

// Descriptors returns every backend in routing order.
func (m *Manager) Descriptors() []Descriptor {
	reg := m.reg.Load()
	out := make([]Descriptor, len(reg.entries))
	for i, e := range reg.entries {
		out[i] = e.desc
	}
	return out
}

// Descriptor returns the named backend's current configuration.
func (m *Manager) Descriptor(name string) (Descriptor, bool) {
	e, _, ok := m.reg.Load().find(name)
	return e.desc, ok
}

// HasRoutable reports whether at least one backend is enabled and configured.
func (m *Manager) HasRoutable() bool {
	for _, e := range m.reg.Load().entries {
		if e.desc.Routable() {
			return true
		}
	}
	return false
}

// candidates returns routable backends in the order they should be tried.
func (m *Manager) candidates(preferred string) []entry {
	reg := m.reg.Load()
	out := make([]entry, 0, len(reg.entries))
	if preferred != "" {
		if e, _, ok := reg.find(preferred); ok && e.desc.Routable() {
			out = append(out, e)
		}
	}
	for _, e := range reg.entries {
		if e.desc.Routable() && e.desc.Name != preferred {
			out = append(out, e)
		}
	}
	return out
}

// Translate tries routable backends in priority order, starting with
// preferred when it is routable, and returns the first success. Each failed
// attempt is recorded against that backend only.
func (m *Manager) Translate(ctx context.Context, text, sourceLang, targetLang, preferred string) (translation.Translation, error) {
	cands := m.candidates(preferred)
	if len(cands) == 0 {
		return translation.Translation{}, translation.ErrAllBackendsFailed.WithMessage("no backend enabled and configured")
	}
	if m.bestOf.Load() && len(cands) > 1 {
		return m.translateBestOf(ctx, cands, text, sourceLang, targetLang)
	}

	log := m.logger.With(slog.String("request_id", logger.GetRequestID(ctx)))
	var errs []error
	for _, e := range cands {
		if err := ctx.Err(); err != nil {
			return translation.Translation{}, translation.ErrDeadlineExceeded.WithCause(err).WithDetails("attempted", len(errs))
		}
		tr, err := m.attempt(ctx, e, text, sourceLang, targetLang)
		if err == nil {
			return tr, nil
		}
		log.Warn("backend attempt failed",
			slog.String("backend", e.desc.Name),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", e.desc.Name, err))
	}
	return translation.Translation{}, translation.ErrAllBackendsFailed.
		WithCause(errors.Join(errs...)).
		WithDetails("attempted", len(errs))
}

// attempt performs one guarded call and records its outcome.
func (m *Manager) attempt(ctx context.Context, e entry, text, sourceLang, targetLang string) (translation.Translation, error) {
	d := e.desc
	chars := utf8.RuneCountInString(text)

	if d.MaxCharacters > 0 && chars > d.MaxCharacters {
		err := translation.ErrTextTooLong.WithDetails("characters", chars).WithDetails("limit", d.MaxCharacters)
		m.tracker.Observe(d.Name, metrics.Observation{Err: err})
		return translation.Translation{}, err
	}

	allowed, err := m.limiter.Allow(d.Name)
	if err != nil || !allowed {
		lerr := translation.ErrRateLimited.WithDetails("backend", d.Name)
		m.tracker.Observe(d.Name, metrics.Observation{Limited: true, Err: lerr})
		return translation.Translation{}, lerr
	}

	callCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.translator.Translate(callCtx, Request{
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		APIKey:     d.APIKey,
	})
	latency := time.Since(start)
	if err == nil && resp.Text == "" {
		err = translation.ErrBackendRequest.WithMessage("empty translation")
	}
	if err != nil {
		m.tracker.Observe(d.Name, metrics.Observation{Latency: latency, Characters: chars, Err: err})
		return translation.Translation{}, err
	}

	cost := float64(chars) * d.CostPerCharacter
	m.tracker.Observe(d.Name, metrics.Observation{
		Latency:    latency,
		OK:         true,
		Cost:       cost,
		Characters: chars,
	})
	return translation.Translation{
		Text:       resp.Text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Confidence: translation.ClampScore(resp.Confidence),
		Source:     translation.SourceOnline,
		Provider:   d.Name,
		Latency:    latency,
		Cost:       cost,
	}, nil
}

func (m *Manager) translateBestOf(ctx context.Context, cands []entry, text, sourceLang, targetLang string) (translation.Translation, error) {
	results := make([]translation.Translation, len(cands))
	errs := make([]error, len(cands))

	var g errgroup.Group
	for i, e := range cands {
		g.Go(func() error {
			results[i], errs[i] = m.attempt(ctx, e, text, sourceLang, targetLang)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	bestScore := -1.0
	for i, err := range errs {
		if err != nil {
			continue
		}
		if s := score(text, results[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return translation.Translation{}, translation.ErrAllBackendsFailed.
			WithCause(errors.Join(errs...)).
			WithDetails("attempted", len(cands))
	}
	return results[best], nil
}

// score ranks a candidate by confidence, penalizing implausible length ratios.
func score(source string, t translation.Translation) float64 {
	s := t.Confidence
	in := utf8.RuneCountInString(source)
	out := utf8.RuneCountInString(t.Text)
	if in > 0 {
		ratio := float64(out) / float64(in)
		if ratio < 0.5 || ratio > 2 {
			s -= 0.1
		}
	}
	return s
}

// BatchResult is one position of a TranslateBatch call.
type BatchResult struct {
	Translation translation.Translation
	Err         error
}

// TranslateBatch translates each distinct text once and expands the results
// back to the input order and multiplicity.
func (m *Manager) TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string) []BatchResult {
	index := make(map[string]int, len(texts))
	unique := make([]string, 0, len(texts))
	positions := make([]int, len(texts))
	for i, t := range texts {
		u, ok := index[t]
		if !ok {
			u = len(unique)
			index[t] = u
			unique = append(unique, t)
		}
		positions[i] = u
	}

	uniqueResults := make([]BatchResult, len(unique))
	var g errgroup.Group
	g.SetLimit(m.batchMax)
	for i, text := range unique {
		g.Go(func() error {
			tr, err := m.Translate(ctx, text, sourceLang, targetLang, "")
			uniqueResults[i] = BatchResult{Translation: tr, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]BatchResult, len(texts))
	for i, u := range positions {
		out[i] = uniqueResults[u]
	}
	return out
}

// Metrics is a point-in-time view of one backend.
type Metrics struct {
	Descriptor Descriptor          `json:"descriptor" yaml:"descriptor"`
	Configured bool                `json:"configured" yaml:"configured"`
	Stats      metrics.SourceStats `json:"stats" yaml:"stats"`
	// Remaining is the rate-limit headroom, -1 when unlimited.
	Remaining int `json:"remaining" yaml:"remaining"`
}

func (m *Manager) Metrics() []Metrics {
	reg := m.reg.Load()
	out := make([]Metrics, 0, len(reg.entries))
	for _, e := range reg.entries {
		s, _ := m.tracker.Get(e.desc.Name)
		out = append(out, Metrics{
			Descriptor: e.desc,
			Configured: e.desc.Configured(),
			Stats:      s,
			Remaining:  m.limiter.Remaining(e.desc.Name),
		})
	}
	return out
}

// Stats returns the named backend's counters.
func (m *Manager) Stats(name string) metrics.SourceStats {
	s, _ := m.tracker.Get(name)
	return s
}

func (m *Manager) ResetMetrics() {
	m.tracker.Reset()
}

func sortEntries(entries []entry) {
	slices.SortStableFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.desc.Priority, b.desc.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.desc.Name, b.desc.Name)
	})
}
