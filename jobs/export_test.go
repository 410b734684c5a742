package jobs

import "time"

// SetClock replaces the store's clock.
func SetClock(s *SQLiteStore, now func() time.Time) { s.now = now }
