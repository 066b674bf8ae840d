package framework

import "time"

// Advance moves the fake clock forward
func (f *Fleet) Advance(d time.Duration) {
	f.Clock.Advance(d)
}

// At sets the fake clock to the given time of the epoch day, in UTC
func (f *Fleet) At(hour, minute int) {
	f.Clock.Set(time.Date(Epoch.Year(), Epoch.Month(), Epoch.Day(), hour, minute, 0, 0, time.UTC))
}
