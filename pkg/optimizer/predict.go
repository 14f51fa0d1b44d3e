package optimizer

import (
	"cmp"
	"slices"
	"sync"

	"github.com/jguan/gametrans/pkg/translation"
)

// maxTextsPerPair bounds the miss history kept for one language pair.
const maxTextsPerPair = 1000

// Prediction is a text likely to be requested again for a pair.
type Prediction struct {
	SourceLang string  `json:"source_lang"`
	TargetLang string  `json:"target_lang"`
	Pair       string  `json:"pair"`
	Text       string  `json:"text"`
	Frequency  int     `json:"frequency"`
	Confidence float64 `json:"confidence"`
}

type pairKey struct {
	src, tgt string
}

// predictor counts cache misses per language pair.
type predictor struct {
	mu    sync.Mutex
	limit int
	pairs map[pairKey]map[string]int
}

func newPredictor() *predictor {
	return &predictor{limit: maxTextsPerPair, pairs: make(map[pairKey]map[string]int)}
}

// record counts one miss and returns the text's confidence. A pair at its
// limit forgets its least frequent text before a new one is added.
func (p *predictor) record(src, tgt, text string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := pairKey{src, tgt}
	counts, ok := p.pairs[k]
	if !ok {
		counts = make(map[string]int)
		p.pairs[k] = counts
	}
	if _, seen := counts[text]; !seen && len(counts) >= p.limit {
		delete(counts, leastFrequent(counts))
	}
	counts[text]++
	return confidence(counts[text])
}

func leastFrequent(counts map[string]int) string {
	var victim string
	low := -1
	for text, c := range counts {
		if low < 0 || c < low || (c == low && text < victim) {
			victim, low = text, c
		}
	}
	return victim
}

func confidence(freq int) float64 {
	return min(float64(freq)/100, 1)
}

// top returns the n most frequent texts across all pairs.
func (p *predictor) top(n int) []Prediction {
	p.mu.Lock()
	var out []Prediction
	for k, counts := range p.pairs {
		for text, c := range counts {
			out = append(out, Prediction{
				SourceLang: k.src,
				TargetLang: k.tgt,
				Pair:       translation.LangPair(k.src, k.tgt),
				Text:       text,
				Frequency:  c,
				Confidence: confidence(c),
			})
		}
	}
	p.mu.Unlock()

	slices.SortFunc(out, func(a, b Prediction) int {
		if c := cmp.Compare(b.Frequency, a.Frequency); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Pair, b.Pair); c != 0 {
			return c
		}
		return cmp.Compare(a.Text, b.Text)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
