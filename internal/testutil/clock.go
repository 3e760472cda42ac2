package testutil

import (
	"time"

	"bonsai-backend/internal/clock"
)

// FixedTime is the instant FixedClock starts at.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// FixedClock returns a fake clock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *clock.Fake {
	return clock.NewFake(FixedTime)
}
