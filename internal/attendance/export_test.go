package attendance

import "time"

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }
