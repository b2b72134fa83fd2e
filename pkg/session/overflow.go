package session

import (
	"context"

	"github.com/dotsetgreg/dotlore/pkg/logger"
)

// OverflowStrategy runs when a session's cursor crosses the overflow
// threshold.
type OverflowStrategy interface {
	Overflow(ctx context.Context, s *State)
}

// Truncate drops the context: the cursor returns to zero and the system
// prompt is sent again once the session is idle.
type Truncate struct{}

func (Truncate) Overflow(_ context.Context, s *State) {
	logger.WarnCF("session", "Context overflow, truncating", map[string]interface{}{
		"slot":   s.Slot(),
		"cursor": s.Cursor(),
	})
	s.SetCursor(0)
	s.QueueCallback(func(ctx context.Context, s *State) {
		if err := s.SystemPrompt(ctx, "", true); err != nil {
			logger.WarnCF("session", "Resend system prompt failed", map[string]interface{}{"error": err.Error()})
		}
	})
}
