package session

import "sync/atomic"

// Gate is the process-wide stop flag checked at every token boundary.
type Gate struct {
	stopping atomic.Bool
}

func (g *Gate) Stop()          { g.stopping.Store(true) }
func (g *Gate) Unstop()        { g.stopping.Store(false) }
func (g *Gate) Stopping() bool { return g != nil && g.stopping.Load() }
