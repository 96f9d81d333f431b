/**
 * @description
 * Single-flight locks for the reconciliation trigger. Local guards one
 * process; Redis extends the same guarantee across replicas.
 */
package lock

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNotHeld is returned when Release is called without a matching acquire.
var ErrNotHeld = errors.New("lock not held")

// Locker is a non-blocking mutual-exclusion primitive.
type Locker interface {
	// TryAcquire returns false without waiting when someone else holds the lock.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Local is an in-process Locker.
type Local struct {
	held atomic.Bool
}

// NewLocal returns an unheld in-process lock.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.held.CompareAndSwap(false, true), nil
}

func (l *Local) Release(ctx context.Context) error {
	if !l.held.CompareAndSwap(true, false) {
		return ErrNotHeld
	}
	return nil
}
