package timer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"reflect"
	"runtime"
	"time"

	"github.com/lthibault/jitterbug/v2"

	log "github.com/sirupsen/logrus"
)

// Interval is a period with a symmetric random spread applied to every tick.
type Interval struct {
	Duration time.Duration
	Jitter   time.Duration
}

func (i *Interval) Validate() error {
	if i.Duration <= 0 {
		return fmt.Errorf("timer: interval must be positive, got %v", i.Duration)
	}
	if i.Jitter < 0 || i.Jitter >= i.Duration {
		return fmt.Errorf("timer: jitter %v must be in [0, %v)", i.Jitter, i.Duration)
	}
	return nil
}

type tickerJitter struct {
	MaxJitter time.Duration
}

func (j tickerJitter) Jitter(d time.Duration) time.Duration {
	if j.MaxJitter <= 0 {
		return d
	}
	return d + (time.Duration(rand.Int64N(int64(2*j.MaxJitter))) - j.MaxJitter)
}

// RunWithTicker runs f periodically. Exits when ctx is cancelled or when f returns an error.
func RunWithTicker(ctx context.Context, interval *Interval, f func(ctx context.Context) error) error {
	if err := interval.Validate(); err != nil {
		return err
	}

	funcName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	j := jitterbug.New(interval.Duration, &tickerJitter{MaxJitter: interval.Jitter})
	defer j.Stop()

	log.Debugf("RunWithTicker: running %s with interval %v (jitter %v)", funcName, interval.Duration, interval.Jitter)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("RunWithTicker: context cancelled for %s", funcName)
			return ctx.Err()
		case <-j.C:
			if err := f(ctx); err != nil {
				log.Errorf("RunWithTicker: function %s returned error: %v", funcName, err)
				return err
			}
		}
	}
}
