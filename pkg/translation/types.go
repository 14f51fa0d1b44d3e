// Package translation holds the data model shared by every stage of the
// translation pipeline: requests, cache keys, results and errors.
package translation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders work the pipeline schedules itself. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Priorities lists every priority in scheduling order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority accepts a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, ErrInvalidRequest.WithMessage(fmt.Sprintf("unknown priority %q", s))
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Source identifies which kind of translator produced a result.
type Source string

const (
	SourceOnline  Source = "online"
	SourceOffline Source = "offline"
)

// Unit is a single translation request. It is not modified once created.
type Unit struct {
	ID         string    `json:"id" yaml:"id"`
	Text       string    `json:"text" yaml:"text"`
	SourceLang string    `json:"source_lang" yaml:"source_lang"`
	TargetLang string    `json:"target_lang" yaml:"target_lang"`
	Priority   Priority  `json:"priority" yaml:"priority"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Context    string    `json:"context,omitempty" yaml:"context,omitempty"`
}

// NewUnit creates a unit with a fresh ID and the current timestamp.
func NewUnit(text, sourceLang, targetLang string, priority Priority) Unit {
	return Unit{
		ID:         uuid.New().String(),
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Priority:   priority,
		Timestamp:  time.Now(),
	}
}

// Key returns the cache identity of the unit's text and language pair.
func (u Unit) Key() CacheKey {
	return NewCacheKey(u.SourceLang, u.TargetLang, u.Text)
}

// Validate checks the fields every translator depends on.
func (u Unit) Validate() error {
	switch {
	case u.ID == "":
		return ErrInvalidRequest.WithMessage("unit id is required")
	case strings.TrimSpace(u.SourceLang) == "" || strings.TrimSpace(u.TargetLang) == "":
		return ErrInvalidRequest.WithMessage("source and target language are required")
	case !u.Priority.Valid():
		return ErrInvalidRequest.WithMessage(fmt.Sprintf("invalid priority %d", int(u.Priority)))
	}
	return nil
}

// CacheKey identifies a translation result. Language codes are lower-cased
// and the text is whitespace-normalized, so equivalent requests share a key.
type CacheKey struct {
	SourceLang string
	TargetLang string
	Text       string
}

func NewCacheKey(sourceLang, targetLang, text string) CacheKey {
	return CacheKey{
		SourceLang: NormalizeLang(sourceLang),
		TargetLang: NormalizeLang(targetLang),
		Text:       NormalizeText(text),
	}
}

// String renders the key as "src:tgt:len:text". The length prefix keeps the
// encoding injective even when text contains the separator.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.SourceLang, k.TargetLang, len(k.Text), k.Text)
}

// Pair returns the "src-tgt" language pair of the key.
func (k CacheKey) Pair() string {
	return LangPair(k.SourceLang, k.TargetLang)
}

// LangPair formats a language pair as "src-tgt".
func LangPair(sourceLang, targetLang string) string {
	return NormalizeLang(sourceLang) + "-" + NormalizeLang(targetLang)
}

func NormalizeLang(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

// NormalizeText trims the text and collapses every whitespace run into a
// single space.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Translation is the output of any translator.
type Translation struct {
	Text       string        `json:"text" yaml:"text"`
	SourceLang string        `json:"source_lang" yaml:"source_lang"`
	TargetLang string        `json:"target_lang" yaml:"target_lang"`
	Confidence float64       `json:"confidence" yaml:"confidence"`
	Source     Source        `json:"source" yaml:"source"`
	Provider   string        `json:"provider" yaml:"provider"`
	Latency    time.Duration `json:"latency" yaml:"latency"`
	Cost       float64       `json:"cost" yaml:"cost"`
}

// FallbackUsed reports whether the translation came from something other
// than an online backend.
func (t Translation) FallbackUsed() bool {
	return t.Source != SourceOnline
}

// ClampScore bounds a quality or confidence score to [0,1].
func ClampScore(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// LogEntry is one completed translation handed to the translation log.
type LogEntry struct {
	RequestID      string        `json:"request_id"`
	OriginalText   string        `json:"original_text"`
	TranslatedText string        `json:"translated_text"`
	SourceLang     string        `json:"source_lang"`
	TargetLang     string        `json:"target_lang"`
	Method         string        `json:"method"`
	Quality        float64       `json:"quality"`
	Latency        time.Duration `json:"latency"`
	Context        string        `json:"context,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Method describes how t was produced: "cache", "online:<provider>" or
// "offline:<model>".
func Method(t Translation, cacheHit bool) string {
	if cacheHit {
		return "cache"
	}
	return string(t.Source) + ":" + t.Provider
}
