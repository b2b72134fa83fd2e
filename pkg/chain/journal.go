package chain

import (
	"context"
	"sync"
)

// Line is one learned line as recorded in the journal.
type Line struct {
	Section string
	Text    string
}

// Journal persists learned lines and section toggles so a model can be
// rebuilt by replay.
type Journal interface {
	AppendLine(ctx context.Context, section, text string) error
	Lines(ctx context.Context) ([]Line, error)
	SaveToggles(ctx context.Context, toggles map[string]bool) error
	Toggles(ctx context.Context) (map[string]bool, error)
}

// MemoryJournal keeps the journal in process memory.
type MemoryJournal struct {
	mu      sync.Mutex
	lines   []Line
	toggles map[string]bool
}

func (j *MemoryJournal) AppendLine(_ context.Context, section, text string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, Line{Section: section, Text: text})
	return nil
}

func (j *MemoryJournal) Lines(context.Context) ([]Line, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Line(nil), j.lines...), nil
}

func (j *MemoryJournal) SaveToggles(_ context.Context, toggles map[string]bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.toggles = make(map[string]bool, len(toggles))
	for k, v := range toggles {
		j.toggles[k] = v
	}
	return nil
}

func (j *MemoryJournal) Toggles(context.Context) (map[string]bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.toggles == nil {
		return nil, nil
	}
	out := make(map[string]bool, len(j.toggles))
	for k, v := range j.toggles {
		out[k] = v
	}
	return out, nil
}
