// Package display allocates X11 display numbers for newly started
// sessions.
package display

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"

	"github.com/gofrs/flock"
	"github.com/neatx/neatxd/internal/nxerrors"
)

// Range bounds the pool of display numbers considered for allocation.
const (
	RangeStart = 20
	RangeEnd   = 1000
	poolSize   = 10
)

// checkPaths are the filesystem markers a live X server leaves behind for
// a given display number.
var checkPaths = []string{
	"/tmp/.X%d-lock",
	"/tmp/.X11-unix/X%d",
}

// FindUnused samples poolSize random display numbers from [RangeStart,
// RangeEnd) and returns the first one for which neither lock-file marker
// exists. Sampling rather than scanning sequentially reduces the chance
// that two concurrent callers settle on the same number before either
// has had a chance to claim it; it does not eliminate the race.
func FindUnused() (int, error) {
	pool, err := samplePool(RangeStart, RangeEnd, poolSize)
	if err != nil {
		return 0, err
	}

	for _, n := range pool {
		if isFree(n) {
			return n, nil
		}
	}

	return 0, &nxerrors.NoFreeDisplayError{}
}

func isFree(n int) bool {
	for _, pattern := range checkPaths {
		if _, err := os.Stat(fmt.Sprintf(pattern, n)); err == nil {
			return false
		}
	}
	return true
}

func samplePool(start, end, count int) ([]int, error) {
	span := end - start
	if count > span {
		count = span
	}

	chosen := make(map[int]bool, count)
	result := make([]int, 0, count)

	for len(result) < count {
		n, err := randInt(span)
		if err != nil {
			return nil, fmt.Errorf("display: sampling pool: %w", err)
		}
		n += start

		if chosen[n] {
			continue
		}
		chosen[n] = true
		result = append(result, n)
	}

	return result, nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Lock claims a display number for the duration of the node daemon's
// setup by holding an exclusive flock on a well-known path derived from
// the X11 lock directory, guarding the gap between FindUnused returning
// a number and the X server actually creating its own lock file.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the claim lock for display number n. The caller must
// call Release once the X server for that display has either started
// (and created its own lock files) or failed to start.
func Acquire(n int) (*Lock, error) {
	path := fmt.Sprintf("/tmp/.X%d-lock.claim", n)
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("display: locking %s: %w", path, err)
	}
	if !ok {
		return nil, &nxerrors.NoFreeDisplayError{}
	}

	return &Lock{fl: fl}, nil
}

// Release drops the claim lock and removes its backing file.
func (l *Lock) Release() error {
	path := l.fl.Path()
	if err := l.fl.Unlock(); err != nil {
		return err
	}
	return os.Remove(path)
}
