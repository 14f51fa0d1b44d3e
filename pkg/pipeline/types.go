package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/jguan/gametrans/pkg/translation"
)

// InputType says what Request.InputData holds.
type InputType string

const (
	InputText          InputType = "text"
	InputImage         InputType = "image"
	InputScreenCapture InputType = "screen_capture"
)

func (t InputType) Valid() bool {
	switch t {
	case InputText, InputImage, InputScreenCapture:
		return true
	}
	return false
}

// GameContext describes where on screen a text was found.
type GameContext struct {
	GameName        string `json:"game_name,omitempty" yaml:"game_name,omitempty"`
	UIElementType   string `json:"ui_element_type,omitempty" yaml:"ui_element_type,omitempty"`
	ScreenPosition  string `json:"screen_position,omitempty" yaml:"screen_position,omitempty"`
	SurroundingText string `json:"surrounding_text,omitempty" yaml:"surrounding_text,omitempty"`
	GameState       string `json:"game_state,omitempty" yaml:"game_state,omitempty"`
}

func (g GameContext) String() string {
	var parts []string
	for _, kv := range [][2]string{
		{"game", g.GameName}, {"ui", g.UIElementType}, {"position", g.ScreenPosition},
		{"state", g.GameState}, {"surrounding", g.SurroundingText},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, "; ")
}

// Request is the input of ProcessRequest. For text input, InputData holds
// the text and overrides Unit.Text when set; for image input it holds the
// image path handed to the OCR engine.
type Request struct {
	Unit             translation.Unit `json:"unit" yaml:"unit"`
	InputType        InputType        `json:"input_type" yaml:"input_type"`
	InputData        string           `json:"input_data" yaml:"input_data"`
	Game             *GameContext     `json:"game,omitempty" yaml:"game,omitempty"`
	PreferredBackend string           `json:"preferred_backend,omitempty" yaml:"preferred_backend,omitempty"`
}

// NewTextRequest builds a text request with a fresh unit.
func NewTextRequest(text, sourceLang, targetLang string, priority translation.Priority) Request {
	return Request{
		Unit:      translation.NewUnit(text, sourceLang, targetLang, priority),
		InputType: InputText,
		InputData: text,
	}
}

// Input is the flat wire form of a Request used by the HTTP API and batch
// files. An empty Priority means medium.
type Input struct {
	Text             string       `json:"text" yaml:"text"`
	SourceLang       string       `json:"source_lang" yaml:"source_lang"`
	TargetLang       string       `json:"target_lang" yaml:"target_lang"`
	Priority         string       `json:"priority,omitempty" yaml:"priority,omitempty"`
	InputType        InputType    `json:"input_type,omitempty" yaml:"input_type,omitempty"`
	InputData        string       `json:"input_data,omitempty" yaml:"input_data,omitempty"`
	Context          string       `json:"context,omitempty" yaml:"context,omitempty"`
	Game             *GameContext `json:"game,omitempty" yaml:"game,omitempty"`
	PreferredBackend string       `json:"preferred_backend,omitempty" yaml:"preferred_backend,omitempty"`
}

// Request converts the input, assigning a fresh unit ID.
func (in Input) Request() (Request, error) {
	priority, err := translation.ParsePriority(in.Priority)
	if err != nil {
		return Request{}, err
	}
	req := NewTextRequest(in.Text, in.SourceLang, in.TargetLang, priority)
	req.Unit.Context = in.Context
	req.Game = in.Game
	req.PreferredBackend = in.PreferredBackend
	if in.InputType != "" && in.InputType != InputText {
		req.InputType = in.InputType
		req.InputData = in.InputData
	}
	return req, nil
}

// State is a position in the per-request state machine.
type State string

const (
	StateIdle           State = "idle"
	StateExtracting     State = "extracting"
	StateTranslating    State = "translating"
	StatePostProcessing State = "post_processing"
	StateLogging        State = "logging"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

var transitions = map[State][]State{
	StateIdle:           {StateExtracting, StateFailed},
	StateExtracting:     {StateTranslating, StateFailed},
	StateTranslating:    {StatePostProcessing, StateFailed},
	StatePostProcessing: {StateLogging, StateDone},
	StateLogging:        {StateDone},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage records one step of a request.
type Stage struct {
	Name       State          `json:"name"`
	Status     StageStatus    `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Duration   time.Duration  `json:"duration"`
	Quality    float64        `json:"quality,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Result is built once per request and not modified after it is returned.
type Result struct {
	RequestID      string        `json:"request_id"`
	Success        bool          `json:"success"`
	State          State         `json:"state"`
	OriginalText   string        `json:"original_text"`
	TranslatedText string        `json:"translated_text"`
	SourceLang     string        `json:"source_lang"`
	TargetLang     string        `json:"target_lang"`
	Priority       string        `json:"priority"`
	TotalLatency   time.Duration `json:"total_latency"`
	QualityScore   float64       `json:"quality_score"`
	FallbackUsed   bool          `json:"fallback_used"`
	CacheHit       bool          `json:"cache_hit"`
	Provider       string        `json:"provider,omitempty"`
	Optimizations  []string      `json:"optimization_applied,omitempty"`
	Stages         []Stage       `json:"stages"`
	Performance    Performance   `json:"performance"`
	ErrorCode      string        `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	FailedStage    State         `json:"failed_stage,omitempty"`
	CompletedAt    time.Time     `json:"completed_at"`
	Err            error         `json:"-"`
}

// TotalLatencyMs is the wall-clock latency in fractional milliseconds.
func (r Result) TotalLatencyMs() float64 {
	return float64(r.TotalLatency.Microseconds()) / 1000
}

// Stage returns the recorded stage with the given name.
func (r Result) Stage(name State) (Stage, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Performance breaks the total latency down by stage.
type Performance struct {
	ExtractionMs     float64 `json:"extraction_ms"`
	TranslationMs    float64 `json:"translation_ms"`
	PostProcessingMs float64 `json:"post_processing_ms"`
	LoggingMs        float64 `json:"logging_ms"`
	TargetLatencyMs  float64 `json:"target_latency_ms"`
	TargetMet        bool    `json:"target_met"`
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// PostProcess trims the text and collapses whitespace runs.
func PostProcess(text string) string {
	return translation.NormalizeText(text)
}

func (r Result) String() string {
	if !r.Success {
		return fmt.Sprintf("%s failed at %s: %s", r.RequestID, r.FailedStage, r.ErrorMessage)
	}
	return fmt.Sprintf("%s %q -> %q (%.2f, %.1fms)", r.RequestID, r.OriginalText, r.TranslatedText, r.QualityScore, r.TotalLatencyMs())
}
