package passwordreset

import "time"

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetCodeGenerator(gen func() (string, error)) { s.code = gen }

func (m *MemoryTokens) SetClock(now func() time.Time) { m.now = now }

var RandomCode = randomCode
