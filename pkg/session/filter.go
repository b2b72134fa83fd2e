package session

import "strings"

// EndMarker terminates a chat turn in the model's output.
const EndMarker = "<|im_end|>"

// StopFilter removes a marker from a token stream, holding back text that
// might be the start of a marker split across tokens.
type StopFilter struct {
	marker  string
	pending string
}

func NewStopFilter(marker string) *StopFilter {
	return &StopFilter{marker: marker}
}

// Push returns the part of token that is safe to emit.
func (f *StopFilter) Push(token string) string {
	text := strings.ReplaceAll(f.pending+token, f.marker, "")
	f.pending = ""
	for i := max(0, len(text)-len(f.marker)+1); i < len(text); i++ {
		if strings.HasPrefix(f.marker, text[i:]) {
			f.pending = text[i:]
			return text[:i]
		}
	}
	return text
}

// Flush returns held-back text that never completed a marker.
func (f *StopFilter) Flush() string {
	rest := f.pending
	f.pending = ""
	return rest
}
