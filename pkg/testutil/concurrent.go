package testutil

import (
	"errors"
	"sync"
	"sync/atomic"

	"clinicore/internal/sentinel"
	dErrors "clinicore/pkg/domain-errors"
)

// ConcurrentResult tracks outcomes of concurrent test operations.
type ConcurrentResult struct {
	Successes int32
	// Denials are policy outcomes, e.g. a lost cosign race.
	Denials   int32
	Conflicts int32
	NotFounds int32
	Errors    int32
}

func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Denials + r.Conflicts + r.NotFounds + r.Errors
}

// RunConcurrent runs fn in goroutines parallel goroutines and classifies
// each outcome.
func RunConcurrent(goroutines int, fn func(idx int) error) *ConcurrentResult {
	var wg sync.WaitGroup
	var successes, denials, conflicts, notFounds, errs atomic.Int32

	for i := range goroutines {
		wg.Go(func() {
			err := fn(i)
			switch {
			case err == nil:
				successes.Add(1)
			case dErrors.CodeOf(err).IsDenial():
				denials.Add(1)
			case errors.Is(err, sentinel.ErrConflict), dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			case errors.Is(err, sentinel.ErrNotFound), dErrors.HasCode(err, dErrors.CodeNotFound):
				notFounds.Add(1)
			default:
				errs.Add(1)
			}
		})
	}
	wg.Wait()

	return &ConcurrentResult{
		Successes: successes.Load(),
		Denials:   denials.Load(),
		Conflicts: conflicts.Load(),
		NotFounds: notFounds.Load(),
		Errors:    errs.Load(),
	}
}
