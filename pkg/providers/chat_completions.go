package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotlore/pkg/session"
)

// chatModel streams completions for one remote model. Each context slot
// keeps its own transcript; the cursor passed in Params decides whether a
// slot's transcript continues or starts over.
type chatModel struct {
	loader *HTTPLoader
	model  string

	mu     sync.Mutex
	slots  map[int]*transcript
	closed bool
}

type usageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usageInfo `json:"usage"`
}

func (m *chatModel) slot(n int, cursor int) (*transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%s model %s is closed", m.loader.providerName, m.model)
	}
	t, ok := m.slots[n]
	if !ok {
		t = &transcript{}
		m.slots[n] = t
	}
	if cursor == 0 {
		t.reset()
	}
	return t, nil
}

func (m *chatModel) Complete(ctx context.Context, slot int, prompt string, p session.Params, tokens chan<- string) (session.Completion, error) {
	t, err := m.slot(slot, p.NPast)
	if err != nil {
		return session.Completion{NPast: p.NPast}, err
	}

	incoming := parsePrompt(prompt)
	consumed := p.NPast + estimateTokens(prompt)

	m.mu.Lock()
	t.append(incoming...)
	messages := t.snapshot()
	m.mu.Unlock()

	if p.NPredict <= 0 {
		return session.Completion{NPast: consumed, NPredict: p.NPredict}, nil
	}

	text, finish, usage, err := m.stream(ctx, messages, p, tokens)
	if text != "" {
		m.mu.Lock()
		t.append(chatMessage{Role: "assistant", Content: text})
		m.mu.Unlock()
	}

	comp := session.Completion{
		Text:       text,
		NPast:      consumed + estimateTokens(text),
		NPredict:   p.NPredict,
		Continuing: finish == "length",
	}
	if usage != nil && usage.PromptTokens > 0 {
		comp.NPast = usage.PromptTokens + usage.CompletionTokens
	}
	return comp, err
}

func (m *chatModel) stream(ctx context.Context, messages []chatMessage, p session.Params, tokens chan<- string) (string, string, *usageInfo, error) {
	l := m.loader
	requestBody := map[string]interface{}{
		"model":          m.model,
		"messages":       messages,
		"stream":         true,
		"stream_options": map[string]interface{}{"include_usage": true},
		"max_tokens":     p.NPredict,
		"temperature":    p.Temperature,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal %s request: %w", l.providerName, err)
	}

	endpoint := l.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", "", nil, fmt.Errorf("create %s request: %w", l.providerName, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if err := l.auth.Apply(ctx, req); err != nil {
		return "", "", nil, fmt.Errorf("apply %s auth: %w", l.providerName, err)
	}
	for name, value := range l.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", "", nil, fmt.Errorf("send %s request: %w", l.providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		msg := augmentProviderError(l.providerName, extractAPIError(body))
		return "", "", nil, fmt.Errorf("%s API request failed: status=%d error=%s", l.providerName, resp.StatusCode, msg)
	}

	var (
		text   strings.Builder
		finish string
		usage  *usageInfo
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return text.String(), finish, usage, fmt.Errorf("parse %s stream: %w", l.providerName, err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			select {
			case tokens <- choice.Delta.Content:
			case <-ctx.Done():
				return text.String(), finish, usage, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return text.String(), finish, usage, ctx.Err()
		}
		return text.String(), finish, usage, fmt.Errorf("read %s stream: %w", l.providerName, err)
	}
	return text.String(), finish, usage, nil
}

func (m *chatModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.slots = map[int]*transcript{}
	return nil
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
