package service

import "time"

func (s *MaintenanceService) SetClock(now func() time.Time) {
	s.now = now
}
