package cue

import (
	"time"
)

// Selection is the result of evaluating the cue buffer at one show time
type Selection struct {
	Active *Cue
	Next   *Cue
}

// Same reports whether two selections point at the same cues
func (s Selection) Same(other Selection) bool {
	return cueID(s.Active) == cueID(other.Active) && cueID(s.Next) == cueID(other.Next)
}

func cueID(c *Cue) string {
	if c == nil {
		return ""
	}
	return c.ID
}

// Select picks the active and next cue at now. It is a pure function of its
// inputs: among cues whose window contains now the highest priority wins,
// ties go to the earliest openAt and then the lowest id. The next cue is the
// one with the earliest openAt after now, ties broken the same way.
func Select(cues []Cue, now time.Duration) Selection {
	var sel Selection
	for i := range cues {
		c := &cues[i]
		switch {
		case c.Contains(now):
			if sel.Active == nil || outranks(c, sel.Active) {
				sel.Active = c
			}
		case c.OpenAt() > now:
			if sel.Next == nil || opensBefore(c, sel.Next) {
				sel.Next = c
			}
		}
	}
	return sel
}

func outranks(a, b *Cue) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.OpenAt() != b.OpenAt() {
		return a.OpenAt() < b.OpenAt()
	}
	return a.ID < b.ID
}

func opensBefore(a, b *Cue) bool {
	if a.OpenAt() != b.OpenAt() {
		return a.OpenAt() < b.OpenAt()
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// Scheduler buffers the cues of one session and tracks the current selection
// plus the heads-down flag. It is not safe for concurrent use; the engine loop
// owns it.
type Scheduler struct {
	cues      []Cue
	seen      map[string]struct{}
	selection Selection
	headsDown bool
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		seen: make(map[string]struct{}),
	}
}

// Ingest buffers a cue built by FromPayload. A repeated id returns
// ErrDuplicateCue and leaves the first copy untouched.
func (s *Scheduler) Ingest(c Cue) error {
	if _, ok := s.seen[c.ID]; ok {
		return ErrDuplicateCue
	}
	s.seen[c.ID] = struct{}{}
	s.cues = append(s.cues, c)
	return nil
}

// Recompute evaluates the buffer at now, stores the selection and reports
// whether it changed. A pause or resume cue that becomes active flips the
// heads-down flag.
func (s *Scheduler) Recompute(now time.Duration) (Selection, bool) {
	next := Select(s.cues, now)
	changed := !next.Same(s.selection)

	if next.Active != nil && cueID(next.Active) != cueID(s.selection.Active) {
		switch next.Active.Type {
		case TypePause:
			s.headsDown = true
		case TypeResume:
			s.headsDown = false
		}
	}

	s.selection = next
	return next, changed
}

// ActiveCue returns the cue selected by the last Recompute, or nil
func (s *Scheduler) ActiveCue() *Cue {
	return s.selection.Active
}

// NextCue returns the upcoming cue selected by the last Recompute, or nil
func (s *Scheduler) NextCue() *Cue {
	return s.selection.Next
}

// HeadsDown reports whether presentation should be in minimal mode
func (s *Scheduler) HeadsDown() bool {
	return s.headsDown
}

// SetHeadsDown applies an explicit pause_audience / resume_audience
func (s *Scheduler) SetHeadsDown(v bool) {
	s.headsDown = v
}

// Len returns the number of buffered cues
func (s *Scheduler) Len() int {
	return len(s.cues)
}
