package core

import "time"

// Clock abstracts time.Now so the timing-sensitive components (registry
// expiry, sweep deadlines, grace boundaries) can be driven in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock implementation used in production.
func SystemClock() Clock { return systemClock{} }
