package store

import (
	"strings"
	"unicode"
)

// minTokenRunes is the shortest token kept by Tokenize.
const minTokenRunes = 2

// DefaultStopWords covers the high-frequency English and German function
// words that dominate personal notes without carrying meaning.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "has", "in",
	"is", "it", "of", "on", "or", "that", "the", "this", "to", "was", "with",
	"der", "die", "das", "und", "ist", "ein", "eine", "mit", "von", "zu", "den",
	"im", "auf", "für", "nicht", "es", "sich", "des", "dem", "auch", "oder",
}

var defaultStopWordMap = BuildStopWordMap(DefaultStopWords)

// Tokenize splits text into lowercased terms on any non letter/digit rune.
// Mixed-case words such as "iPhone" or "getUserById" additionally yield their
// camelCase parts so that either spelling matches. Stop words and tokens
// shorter than two runes are dropped.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(words))
	for _, word := range words {
		parts := SplitCamelCase(word)
		if len(parts) > 1 {
			tokens = appendToken(tokens, word)
			for _, p := range parts {
				tokens = appendToken(tokens, p)
			}
			continue
		}
		tokens = appendToken(tokens, word)
	}
	return tokens
}

func appendToken(tokens []string, t string) []string {
	lower := strings.ToLower(t)
	if len([]rune(lower)) < minTokenRunes {
		return tokens
	}
	if _, stop := defaultStopWordMap[lower]; stop {
		return tokens
	}
	return append(tokens, lower)
}

// SplitCamelCase splits camelCase and PascalCase words.
// Examples:
//   - "getUserById" -> ["get", "User", "By", "Id"]
//   - "HTTPHandler" -> ["HTTP", "Handler"]
func SplitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || (nextIsLower && unicode.IsUpper(runes[i-1])) {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
