// Package provider holds helpers shared by the translation backend adapters
// in its subpackages.
package provider

import (
	"fmt"
	"strings"
)

var languageNames = map[string]string{
	"en": "English",
	"it": "Italian",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"pt": "Portuguese",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ru": "Russian",
	"pl": "Polish",
	"nl": "Dutch",
	"tr": "Turkish",
}

// LanguageName returns the English name of an ISO 639-1 code, or the code
// itself when unknown.
func LanguageName(code string) string {
	if n, ok := languageNames[strings.ToLower(code)]; ok {
		return n
	}
	return code
}

// TranslationPrompt builds the instruction sent to LLM backends.
func TranslationPrompt(text, sourceLang, targetLang string) string {
	return fmt.Sprintf(
		"Translate the following video game text from %s to %s. "+
			"Keep placeholders, markup and line breaks unchanged. "+
			"Reply with the translation only.\n\n%s",
		LanguageName(sourceLang), LanguageName(targetLang), text)
}

// SystemPrompt is the system message for chat-style LLM backends.
const SystemPrompt = "You are a professional video game localizer. " +
	"You translate short UI strings and dialogue faithfully and concisely."

// CleanCompletion strips the decoration LLMs commonly wrap a bare
// translation in.
func CleanCompletion(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Translation:", "translation:"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
	}
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}
