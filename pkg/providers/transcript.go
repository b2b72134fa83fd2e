package providers

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// transcript is the conversation a context slot has consumed so far. A
// remote chat endpoint keeps no state between calls, so the whole
// transcript is replayed on every completion.
type transcript struct {
	messages []chatMessage
}

var framePattern = regexp.MustCompile(`(?s)<\|([a-z]+)_start\|>([^\n]*)\n(.*?)<\|[a-z]+_end\|>`)

// parsePrompt turns a framed prompt into chat messages. Frames become user
// turns attributed to their sender, "system" frames and "*subject:name"
// saves become system messages, and anything else is plain user text.
func parsePrompt(prompt string) []chatMessage {
	var out []chatMessage
	rest := prompt
	for {
		loc := framePattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		if pre := strings.TrimSpace(rest[:loc[0]]); pre != "" {
			out = append(out, rawMessage(pre))
		}
		typ := rest[loc[2]:loc[3]]
		from := strings.TrimSpace(rest[loc[4]:loc[5]])
		body := strings.TrimSpace(rest[loc[6]:loc[7]])
		switch {
		case typ == "system":
			out = append(out, chatMessage{Role: "system", Content: body})
		case from != "":
			out = append(out, chatMessage{Role: "user", Content: from + ": " + body})
		default:
			out = append(out, chatMessage{Role: "user", Content: body})
		}
		rest = rest[loc[1]:]
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		out = append(out, rawMessage(tail))
	}
	return out
}

func rawMessage(text string) chatMessage {
	if strings.HasPrefix(text, "*") {
		if nl := strings.IndexByte(text, '\n'); nl > 0 {
			return chatMessage{Role: "system", Content: strings.TrimSpace(text[nl+1:])}
		}
	}
	return chatMessage{Role: "user", Content: text}
}

func (t *transcript) reset() {
	t.messages = t.messages[:0]
}

func (t *transcript) append(msgs ...chatMessage) {
	t.messages = append(t.messages, msgs...)
}

func (t *transcript) snapshot() []chatMessage {
	out := make([]chatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// estimateTokens approximates a token count at four characters per token.
func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
