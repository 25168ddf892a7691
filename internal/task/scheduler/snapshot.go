package scheduler

import (
	"slices"
	"time"
)

func (s *Service) record(h HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = defaultHistorySize
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if over := len(s.history) - size; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := slices.Clone(s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.hmu.Lock()
	hist := slices.Clone(s.history)
	s.hmu.Unlock()
	slices.Reverse(hist)

	return Snapshot{
		Enabled:   enabled,
		Timezone:  tz,
		Running:   c != nil,
		Schedules: items,
		History:   hist,
	}
}
