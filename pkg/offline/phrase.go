package offline

import (
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/leonelquinteros/gotext"
)

const maxPhraseWords = 4

// Model translates text entirely in-process.
type Model interface {
	// Translate returns the translation and the fraction of source words it
	// covered, in [0,1].
	Translate(text string) (string, float64)
	Entries() int
}

// Loader opens a model artifact.
type Loader func(path string) (Model, error)

// PhraseModel is a gettext catalog used as a phrase table: msgid is a
// source phrase, msgstr its translation.
type PhraseModel struct {
	phrases map[string]string
	longest int
}

// LoadPhraseFile is the default Loader.
func LoadPhraseFile(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParsePhraseModel(data)
}

// ParsePhraseModel builds a model from .po content. A catalog without any
// translated entry is rejected.
func ParsePhraseModel(data []byte) (*PhraseModel, error) {
	po := gotext.NewPo()
	po.Parse(data)

	m := &PhraseModel{phrases: make(map[string]string)}
	for id, tr := range po.GetDomain().GetTranslations() {
		if id == "" || !tr.IsTranslated() {
			continue
		}
		m.phrases[id] = tr.Get()
		m.longest = max(m.longest, len(strings.Fields(id)))
	}
	if len(m.phrases) == 0 {
		return nil, fmt.Errorf("model has no translated entries")
	}
	m.longest = min(m.longest, maxPhraseWords)
	return m, nil
}

func (m *PhraseModel) Entries() int { return len(m.phrases) }

// lookup returns msgstr verbatim; it is never used as a format string.
func (m *PhraseModel) lookup(phrase string) (string, bool) {
	if out, ok := m.phrases[phrase]; ok {
		return out, true
	}
	lower := strings.ToLower(phrase)
	if out, ok := m.phrases[lower]; ok && lower != phrase {
		return matchCase(phrase, out), true
	}
	return "", false
}

// Translate tries the whole text first, then greedily matches the longest
// known phrase at each word position. Unknown words pass through.
func (m *PhraseModel) Translate(text string) (string, float64) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", 0
	}
	if out, ok := m.lookup(text); ok {
		return out, 1
	}
	core, trail := splitTrailingPunct(text)
	if out, ok := m.lookup(core); ok && core != "" {
		return out + trail, 1
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	covered := 0
	for i := 0; i < len(words); {
		matched := false
		for n := min(m.longest, len(words)-i); n > 0; n-- {
			phrase, punct := splitTrailingPunct(strings.Join(words[i:i+n], " "))
			if phrase == "" {
				continue
			}
			if tr, ok := m.lookup(phrase); ok {
				out = append(out, tr+punct)
				covered += n
				i += n
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	return strings.Join(out, " "), float64(covered) / float64(len(words))
}

func splitTrailingPunct(s string) (string, string) {
	end := len(s)
	for end > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:end])
		if !unicode.IsPunct(r) {
			break
		}
		end -= size
	}
	return s[:end], s[end:]
}

// matchCase capitalizes the translation when the source phrase was.
func matchCase(source, translated string) string {
	r, _ := utf8.DecodeRuneInString(source)
	if !unicode.IsUpper(r) || translated == "" {
		return translated
	}
	t, size := utf8.DecodeRuneInString(translated)
	return string(unicode.ToUpper(t)) + translated[size:]
}
