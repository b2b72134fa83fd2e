package session

import "testing"

func TestStopFilter(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{"plain", []string{"hello", " there"}, "hello there"},
		{"whole marker", []string{"done", "<|im_end|>"}, "done"},
		{"split marker", []string{"done<|im", "_e", "nd|>"}, "done"},
		{"false start", []string{"a<", "b"}, "a<b"},
		{"marker mid token", []string{"x<|im_end|>y"}, "xy"},
		{"dangling prefix flushed", []string{"x<|im_en"}, "x<|im_en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewStopFilter(EndMarker)
			got := ""
			for _, tok := range tt.tokens {
				got += f.Push(tok)
			}
			got += f.Flush()
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
