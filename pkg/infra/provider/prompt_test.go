package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "Italian", LanguageName("it"))
	assert.Equal(t, "Japanese", LanguageName("JA"))
	assert.Equal(t, "xx", LanguageName("xx"))
}

func TestTranslationPrompt(t *testing.T) {
	p := TranslationPrompt("Continue", "en", "it")
	assert.Contains(t, p, "from English to Italian")
	assert.Contains(t, p, "\n\nContinue")
}

func TestCleanCompletion(t *testing.T) {
	tests := map[string]string{
		"  Continua \n":           "Continua",
		`"Continua"`:              "Continua",
		"Translation: Continua":   "Continua",
		"'Nuova partita'":         "Nuova partita",
		`"`:                       `"`,
		"Translation: \"Esci\"\n": "Esci",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanCompletion(in), "input %q", in)
	}
}
