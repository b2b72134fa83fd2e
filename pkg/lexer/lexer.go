// Package lexer splits conversational text into the word tokens, sentences
// and control-tag free strings the rest of the runtime works on.
package lexer

import "strings"

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n'
}

// Tokens returns the maximal runs of ASCII letters in s, lowercased.
// Every other byte is a separator.
func Tokens(s string) []string {
	var tokens []string
	start := -1
	for i := 0; i < len(s); i++ {
		if isLetter(s[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, strings.ToLower(s[start:i]))
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, strings.ToLower(s[start:]))
	}
	return tokens
}

// PunctTokens is the punctuation-aware variant of Tokens. A token that
// begins with a symbol absorbs everything up to the next blank, so "/stop"
// and ":)" survive intact. Tokens beginning with '<' are dropped. Case is
// preserved.
func PunctTokens(s string) []string {
	var tokens []string
	var word strings.Builder
	punctuated := false

	flush := func() {
		w := word.String()
		if w != "" && w[0] != '<' {
			tokens = append(tokens, w)
		}
		word.Reset()
		punctuated = false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if word.Len() == 0 {
			if isLetter(c) {
				word.WriteByte(c)
			} else if !isBlank(c) {
				word.WriteByte(c)
				punctuated = true
			}
			continue
		}
		switch {
		case isLetter(c):
			word.WriteByte(c)
		case punctuated && !isBlank(c):
			word.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// SplitSentences cuts every line of s after each '.', '!' or '?'. The text
// remaining on a line after its last terminator is kept as a sentence even
// when empty.
func SplitSentences(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		start := 0
		for i := 0; i < len(line); i++ {
			switch line[i] {
			case '.', '!', '?':
				out = append(out, line[start:i+1])
				start = i + 1
			}
		}
		out = append(out, line[start:])
	}
	return out
}

// Questions returns the trimmed sentences of s that end with '?'.
func Questions(s string) []string {
	var out []string
	for _, sentence := range SplitSentences(s) {
		sentence = strings.TrimSpace(sentence)
		if strings.HasSuffix(sentence, "?") {
			out = append(out, sentence)
		}
	}
	return out
}

// RemoveTags strips <|...|> control markers. An unterminated marker
// truncates the rest of the string.
func RemoveTags(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "<|")
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		j := strings.Index(s[i+2:], "|>")
		if j < 0 {
			break
		}
		s = s[i+2+j+2:]
	}
	return b.String()
}
