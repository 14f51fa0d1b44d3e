// Package backend routes translation requests across remote providers in
// priority order, recording per-provider cost, latency and health.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jguan/gametrans/pkg/translation"
)

// Request is what a provider adapter receives for one call.
type Request struct {
	Text       string
	SourceLang string
	TargetLang string
	APIKey     string
}

// Response is a provider's answer. Confidence is in [0,1]; adapters that
// cannot estimate it report their configured default.
type Response struct {
	Text         string
	Confidence   float64
	DetectedLang string
}

// Translator is implemented by every provider adapter.
type Translator interface {
	Translate(ctx context.Context, req Request) (Response, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, req Request) (Response, error)

func (f TranslatorFunc) Translate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Descriptor is the routing configuration of one backend.
type Descriptor struct {
	Name               string        `json:"name" yaml:"name"`
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	APIKey             string        `json:"-" yaml:"-"`
	RequiresKey        bool          `json:"requires_key" yaml:"requires_key"`
	Priority           int           `json:"priority" yaml:"priority"`
	CostPerCharacter   float64       `json:"cost_per_character" yaml:"cost_per_character"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxCharacters      int           `json:"max_characters_per_request" yaml:"max_characters_per_request"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
}

// APIKeyPresent reports whether a credential is set.
func (d Descriptor) APIKeyPresent() bool {
	return strings.TrimSpace(d.APIKey) != ""
}

// Configured reports whether the backend has what it needs to be called.
func (d Descriptor) Configured() bool {
	return !d.RequiresKey || d.APIKeyPresent()
}

// Routable reports whether routing may try this backend.
func (d Descriptor) Routable() bool {
	return d.Enabled && d.Configured()
}

// Validate rejects descriptors that must never take effect.
func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return translation.ErrConfig.WithMessage("backend name is required")
	case d.Priority < 0:
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: priority must be >= 0, got %d", d.Name, d.Priority))
	case d.CostPerCharacter < 0:
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: cost_per_character cannot be negative", d.Name))
	case d.RateLimitPerMinute < 0:
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: rate_limit_per_minute cannot be negative", d.Name))
	case d.MaxCharacters < 0:
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: max_characters_per_request cannot be negative", d.Name))
	case d.Timeout < 0:
		return translation.ErrConfig.WithMessage(fmt.Sprintf("backend %s: timeout cannot be negative", d.Name))
	}
	return nil
}
