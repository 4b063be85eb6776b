package conductor

import (
	"time"

	"github.com/gofrs/flock"
)

// acquireCancelLock bounds the wait for the cancel sentinel's own lock
// (distinct from the sentinel's existence check), matching §5's
// "cancel-sentinel lock: 10s" timeout.
func acquireCancelLock(cancelPath string, timeout time.Duration) (bool, func(), error) {
	lock := flock.New(cancelPath + ".lock")
	deadline := time.Now().Add(timeout)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return false, nil, err
		}
		if ok {
			return true, func() { _ = lock.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return false, nil, nil
		}
		time.Sleep(25 * time.Millisecond)
	}
}
