package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/flashbid/internal/domain"
)

type timerEntry struct {
	trigger domain.Trigger
	due     time.Time
}

// TimerService is an in-memory domain.TimerService. Triggers only fire when
// ClaimDue is called, which lets tests advance time explicitly.
type TimerService struct {
	mu      sync.Mutex
	entries map[string]*timerEntry
}

// NewTimerService creates an empty timer service.
func NewTimerService() *TimerService {
	return &TimerService{entries: make(map[string]*timerEntry)}
}

func (s *TimerService) Put(_ context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Attempts = 0
	t.Payload = maps.Clone(t.Payload)
	s.entries[t.Name] = &timerEntry{trigger: t, due: t.FireAt}
	return nil
}

func (s *TimerService) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return domain.ErrNotFound
	}
	delete(s.entries, name)
	return nil
}

func (s *TimerService) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*timerEntry
	for _, e := range s.entries {
		if !e.due.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].due.Equal(due[j].due) {
			return due[i].due.Before(due[j].due)
		}
		return due[i].trigger.Name < due[j].trigger.Name
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.Trigger, 0, len(due))
	for _, e := range due {
		e.due = now.Add(lease)
		e.trigger.Attempts++
		t := e.trigger
		t.Payload = maps.Clone(t.Payload)
		out = append(out, t)
	}
	return out, nil
}

func (s *TimerService) Complete(_ context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[t.Name]
	if !ok {
		return nil
	}
	if e.trigger.FireAt.Equal(t.FireAt) {
		delete(s.entries, t.Name)
	}
	return nil
}

// Lookup returns the armed trigger with name, for inspection.
func (s *TimerService) Lookup(name string) (domain.Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return domain.Trigger{}, false
	}
	return e.trigger, true
}

// Len returns the number of armed triggers.
func (s *TimerService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ domain.TimerService = (*TimerService)(nil)
