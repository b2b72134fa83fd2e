package agent

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// lateLimit is how overdue an entry may be and still run. Required entries
// ignore it.
const lateLimit = time.Hour

// Entry is one scheduled command.
type Entry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Command  Command   `json:"command"`
	Repeat   string    `json:"repeat,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// Schedule keeps entries sorted by time.
type Schedule struct {
	mu      sync.Mutex
	entries []Entry
}

func NewSchedule() *Schedule {
	return &Schedule{}
}

// Add validates e, assigns it an id when it has none and inserts it in time
// order.
func (s *Schedule) Add(e Entry) (Entry, error) {
	if err := e.Command.Validate(); err != nil {
		return Entry{}, err
	}
	if e.Repeat != "" {
		if _, err := nextRun(e, e.At); err != nil {
			return Entry{}, err
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(e)
	return e, nil
}

func (s *Schedule) insertLocked(e Entry) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].At.After(e.At) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

// Remove drops the entry with the given id, or id prefix of at least four
// characters.
func (s *Schedule) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id || (len(id) >= 4 && strings.HasPrefix(e.ID, id)) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Schedule) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Restore replaces the schedule with entries, dropping any that no longer
// validate.
func (s *Schedule) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	for _, e := range entries {
		if e.Command.Validate() != nil {
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		s.insertLocked(e)
	}
}

// Due pops every entry whose time has come and returns the ones to run.
// Entries more than an hour overdue are skipped unless required. Repeating
// entries are put back at their next occurrence after now.
func (s *Schedule) Due(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var run, again []Entry
	for len(s.entries) > 0 && !s.entries[0].At.After(now) {
		e := s.entries[0]
		s.entries = s.entries[1:]
		if e.Required || now.Sub(e.At) <= lateLimit {
			run = append(run, e)
		}
		if e.Repeat == "" {
			continue
		}
		next, err := nextRun(e, now)
		if err != nil {
			continue
		}
		e.At = next
		again = append(again, e)
	}
	for _, e := range again {
		s.insertLocked(e)
	}
	return run
}

// nextRun returns the first occurrence of a repeating entry after now.
// Repeat is either a cron expression or an interval.
func nextRun(e Entry, now time.Time) (time.Time, error) {
	if isCron(e.Repeat) {
		if !gronx.New().IsValid(e.Repeat) {
			return time.Time{}, fmt.Errorf("%w: bad cron expression %q", ErrInvalidInterval, e.Repeat)
		}
		return gronx.NextTickAfter(e.Repeat, now, false)
	}
	d, err := ParseInterval(e.Repeat)
	if err != nil {
		return time.Time{}, err
	}
	next := e.At.Add(d)
	if !next.After(now) {
		steps := now.Sub(next)/d + 1
		next = next.Add(steps * d)
	}
	return next, nil
}

func isCron(expr string) bool {
	return strings.HasPrefix(expr, "@") || len(strings.Fields(expr)) >= 5
}

// ParseInterval reads a repeat interval: "h:m:s" (right aligned, so "5:00"
// is five minutes), "N day", "N hr", "N min", "N sec", or a bare number of
// minutes.
func ParseInterval(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidInterval)
	}

	var seconds float64
	if strings.Contains(spec, ":") {
		parts := strings.Split(spec, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
		}
		mults := []float64{3600, 60, 1}[3-len(parts):]
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
			}
			seconds += v * mults[i]
		}
	} else {
		unit := 60.0
		num := spec
		for _, u := range []struct {
			name string
			secs float64
		}{{"day", 86400}, {"hr", 3600}, {"min", 60}, {"sec", 1}} {
			if i := strings.Index(spec, u.name); i >= 0 {
				unit = u.secs
				num = spec[:i]
				break
			}
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, spec)
		}
		seconds = v * unit
	}

	if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidInterval, spec)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
