package scheduler

import "time"

// Snapshot reports every schedule with its cron entry times and the engine state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	eng := s.engine
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timezone: loc.String(),
			Timeout:  d.timeout,
			Running:  d.state.Running(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Active = e.Valid()
			it.Next = e.Next
			it.Prev = e.Prev
		} else if sched, err := s.parser.Parse(d.spec); err == nil {
			// Not started: preview the next trigger anyway.
			it.Next = sched.Next(time.Now().In(loc))
		}
		items = append(items, it)
	}

	snap := Snapshot{Enabled: enabled, Timezone: loc.String(), Schedules: items}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
