package userstatus

import "time"

// Clock supplies the server time used when a report carries no client
// timestamp. Callers treat it as monotonic within their tolerance; skew
// correction happens upstream of this package.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the local wall clock.
var SystemClock Clock = systemClock{}
