package pipeline

import (
	"fmt"

	"github.com/jguan/gametrans/pkg/translation"
)

// Benchmark request mixes for GenerateTestRequests.
const (
	KindTextOnly = "text_only"
	KindOCRHeavy = "ocr_heavy"
	KindMixed    = "mixed"
)

var benchTexts = []string{
	"Hello", "Continue", "New Game", "Load Game", "Save Game", "Options",
	"Quit", "Inventory", "Level Up!", "Game Over", "Press any key to continue",
	"Are you sure you want to quit?", "Quest completed", "Not enough gold",
}

// GenerateTestRequests builds a deterministic set of n en->it requests.
// text_only yields text inputs only, ocr_heavy mostly image inputs named
// after imageDir, mixed alternates. Priorities cycle through all levels.
func GenerateTestRequests(n int, kind, imageDir string) ([]Request, error) {
	switch kind {
	case KindTextOnly, KindOCRHeavy, KindMixed:
	default:
		return nil, translation.ErrInvalidRequest.WithMessage(fmt.Sprintf("unknown benchmark kind %q", kind))
	}

	reqs := make([]Request, 0, n)
	for i := range n {
		text := benchTexts[i%len(benchTexts)]
		priority := translation.Priorities[i%len(translation.Priorities)]
		req := NewTextRequest(text, "en", "it", priority)

		image := false
		switch kind {
		case KindOCRHeavy:
			image = i%4 != 3
		case KindMixed:
			image = i%2 == 1
		}
		if image {
			req.InputType = InputScreenCapture
			req.InputData = fmt.Sprintf("%s/screen_%03d.png", imageDir, i%len(benchTexts))
			req.Unit.Text = ""
		}
		req.Game = &GameContext{GameName: "benchmark", UIElementType: "menu"}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
