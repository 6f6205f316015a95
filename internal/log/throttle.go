package log

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Throttle drops repeats of the same log category once a rate is exceeded.
// Categories are arbitrary comparable values, usually a message plus a
// channel name.
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle allows, per category, at most perSecond records each second
// and perMinute records each minute. perMinute must exceed perSecond and stay
// below 60*perSecond, otherwise it panics.
func NewThrottle(perSecond, perMinute int) *Throttle {
	return &Throttle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: perSecond,
			time.Minute: perMinute,
		}),
	}
}

// Allow reports whether a record for category may be written now.
func (t *Throttle) Allow(category any) bool {
	if t == nil {
		return true
	}
	_, ok := t.limiter.Allow(category)
	return ok
}

// Log writes through l when category is within its rate.
func (t *Throttle) Log(l *slog.Logger, level slog.Level, category any, msg string, args ...any) {
	if !t.Allow(category) {
		return
	}
	l.Log(context.Background(), level, msg, args...)
}
