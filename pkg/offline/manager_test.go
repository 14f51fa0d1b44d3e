package offline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/translation"
)

type memRegistry struct {
	mu    sync.Mutex
	saved map[string]Descriptor
}

func (r *memRegistry) LoadModels(context.Context) ([]Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Descriptor
	for _, d := range r.saved {
		out = append(out, d)
	}
	return out, nil
}

func (r *memRegistry) SaveModel(_ context.Context, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = make(map[string]Descriptor)
	}
	r.saved[d.Pair()] = d
	return nil
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string, io.Writer) error {
	return errors.New("connection refused")
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{
		ModelsDir:      t.TempDir(),
		SupportedPairs: []string{"en-it", "it-en", "en-fr", "en-ja"},
		Quality:        QualityHigh,
	}, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_Descriptors(t *testing.T) {
	m := newTestManager(t)

	models := m.Models()
	require.Len(t, models, 4)
	assert.Equal(t, "phrase-en-it", models[0].Name)
	assert.Equal(t, "1.0.0", models[0].Version)
	assert.Equal(t, 0.95, models[0].AccuracyScore)
	assert.False(t, models[0].Installed)
	assert.Equal(t, "seed://en-it.po", models[0].DownloadURL)

	ja, ok := m.Model("en", "ja")
	require.True(t, ok)
	assert.Empty(t, ja.DownloadURL)

	assert.True(t, m.IsSupported("EN", "it"))
	assert.False(t, m.IsSupported("en", "pt"))
}

func TestNewManager_InvalidPair(t *testing.T) {
	_, err := NewManager(context.Background(), Config{ModelsDir: t.TempDir(), SupportedPairs: []string{"english"}})
	assert.True(t, errors.Is(err, translation.ErrConfig))
}

func TestNewManager_DetectsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en-it.po"), []byte(testCatalog), 0o644))

	m, err := NewManager(context.Background(), Config{ModelsDir: dir, SupportedPairs: []string{"en-it"}})
	require.NoError(t, err)
	assert.True(t, m.IsInstalled("en", "it"))

	got, err := m.Translate(context.Background(), "Hello", "en", "it")
	require.NoError(t, err)
	assert.Equal(t, "Ciao", got.Text)
	assert.InDelta(t, QualityBalanced.Accuracy(), got.Confidence, 1e-9)
}

func TestManager_TranslateNotInstalled(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Translate(context.Background(), "Hello", "en", "it")
	assert.True(t, errors.Is(err, translation.ErrModelNotInstalled))

	_, err = m.Translate(context.Background(), "Hello", "en", "pt")
	assert.True(t, errors.Is(err, translation.ErrModelNotInstalled))
}

func TestManager_DownloadAndTranslate(t *testing.T) {
	reg := &memRegistry{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, WithRegistry(reg), WithClock(func() time.Time { return now }))

	d, err := m.Download(context.Background(), "en", "it")
	require.NoError(t, err)
	assert.True(t, d.Installed)
	assert.Positive(t, d.SizeBytes)
	assert.FileExists(t, d.Path)

	got, err := m.Translate(context.Background(), "Continue", "en", "it")
	require.NoError(t, err)
	assert.Equal(t, "Continua", got.Text)
	assert.Equal(t, translation.SourceOffline, got.Source)
	assert.Equal(t, "phrase-en-it", got.Provider)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)

	d, _ = m.Model("en", "it")
	assert.Equal(t, int64(1), d.UsageCount)
	assert.Equal(t, now, d.LastUsed)
	assert.Equal(t, int64(1), reg.saved["en-it"].UsageCount)

	mt := m.Metrics()["en-it"]
	assert.Equal(t, int64(1), mt.Successful)
	assert.Equal(t, int64(8), mt.CharactersProcessed)

	assert.Equal(t, []string{"en-it"}, m.InstalledPairs())
}

func TestManager_DownloadErrors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Download(context.Background(), "en", "pt")
	assert.True(t, errors.Is(err, translation.ErrUnsupportedPair))

	_, err = m.Download(context.Background(), "en", "ja")
	assert.True(t, errors.Is(err, translation.ErrModelDownloadFailed))

	failing := newTestManager(t, WithFetcher(failingFetcher{}))
	_, err = failing.Download(context.Background(), "en", "it")
	assert.True(t, errors.Is(err, translation.ErrModelDownloadFailed))
	assert.False(t, failing.IsInstalled("en", "it"))
}

func TestManager_ImportRejectsInvalidCatalog(t *testing.T) {
	m := newTestManager(t)
	bad := filepath.Join(t.TempDir(), "bad.po")
	require.NoError(t, os.WriteFile(bad, []byte("not a catalog"), 0o644))

	_, err := m.Import(context.Background(), "en", "it", bad)
	assert.True(t, errors.Is(err, translation.ErrModelDownloadFailed))
	assert.False(t, m.IsInstalled("en", "it"))

	entries, err := os.ReadDir(m.cfg.ModelsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_NoTranslation(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Download(context.Background(), "en", "it")
	require.NoError(t, err)

	_, err = m.Translate(context.Background(), "zzzz qqqq", "en", "it")
	assert.True(t, errors.Is(err, translation.ErrNoTranslation))
	assert.Equal(t, int64(1), m.Metrics()["en-it"].Failed)

	d, _ := m.Model("en", "it")
	assert.Zero(t, d.UsageCount)
}

func TestManager_RemoveKeepsDescriptor(t *testing.T) {
	m := newTestManager(t)
	d, err := m.Download(context.Background(), "en", "it")
	require.NoError(t, err)
	_, err = m.Translate(context.Background(), "Hello", "en", "it")
	require.NoError(t, err)

	removed, err := m.Remove(context.Background(), "en", "it")
	require.NoError(t, err)
	assert.False(t, removed.Installed)
	assert.Equal(t, int64(1), removed.UsageCount)
	assert.NoFileExists(t, d.Path)
	assert.True(t, m.IsSupported("en", "it"))

	_, err = m.Translate(context.Background(), "Hello", "en", "it")
	assert.True(t, errors.Is(err, translation.ErrModelNotInstalled))

	_, err = m.Remove(context.Background(), "en", "pt")
	assert.True(t, errors.Is(err, translation.ErrModelNotFound))
}

func TestManager_CleanupUnused(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t, WithClock(func() time.Time { return now }))

	_, err := m.Download(context.Background(), "en", "it")
	require.NoError(t, err)
	_, err = m.Download(context.Background(), "it", "en")
	require.NoError(t, err)
	for range 5 {
		_, err := m.Translate(context.Background(), "Ciao", "it", "en")
		require.NoError(t, err)
	}

	now = now.Add(25 * time.Hour)
	removed, err := m.CleanupUnused(context.Background())
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "en-it", removed[0].Pair())
	assert.True(t, m.IsInstalled("it", "en"))
}

func TestManager_PreloadPopular(t *testing.T) {
	m := newTestManager(t)

	ready, err := m.PreloadPopular(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = m.PreloadPopular(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"en-it", "it-en", "en-fr"}, ready)
}

func TestManager_RegistryRestoresUsage(t *testing.T) {
	reg := &memRegistry{saved: map[string]Descriptor{
		"en-it": {SourceLang: "en", TargetLang: "it", UsageCount: 42},
	}}
	m := newTestManager(t, WithRegistry(reg))
	d, _ := m.Model("en", "it")
	assert.Equal(t, int64(42), d.UsageCount)
}

func TestManager_ConcurrentTranslate(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Download(context.Background(), "en", "it")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Translate(context.Background(), "Quit", "en", "it")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	d, _ := m.Model("en", "it")
	assert.Equal(t, int64(20), d.UsageCount)
}
