package jobs

import (
	"context"
	"sync"
)

// Outcome tells a sleeping job why it was woken.
type Outcome string

const (
	// OutcomeRendered means a human selected an option
	OutcomeRendered Outcome = "rendered"

	// OutcomeExpired means the deadline passed with no fallback
	OutcomeExpired Outcome = "expired"

	// OutcomeFallback means the deadline passed and the fallback option was applied
	OutcomeFallback Outcome = "fallback"
)

// Waker is the in-process sleep-until-signal primitive. A job entering
// NEEDS_DECISION parks on Wait with its decision ID; render and sweeper
// expiration send the wake. Signals are not durable: a restarted process
// re-polls the decision row, which is why Wait callers must treat a context
// deadline as "go look at the row", not as failure.
type Waker struct {
	mu      sync.Mutex
	waiters map[string][]chan Outcome
}

// NewWaker creates an empty signal registry.
func NewWaker() *Waker {
	return &Waker{waiters: make(map[string][]chan Outcome)}
}

// Wait blocks until the key is woken or the context ends.
func (w *Waker) Wait(ctx context.Context, key string) (Outcome, error) {
	ch := make(chan Outcome, 1)

	w.mu.Lock()
	w.waiters[key] = append(w.waiters[key], ch)
	w.mu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		w.drop(key, ch)
		return "", ctx.Err()
	}
}

// Wake signals every waiter parked on the key. A wake with no waiters is
// dropped; the woken state lives in the decision row, not in the signal.
func (w *Waker) Wake(key string, outcome Outcome) {
	w.mu.Lock()
	waiters := w.waiters[key]
	delete(w.waiters, key)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
}

func (w *Waker) drop(key string, ch chan Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiters := w.waiters[key]
	for i, c := range waiters {
		if c == ch {
			w.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(w.waiters[key]) == 0 {
		delete(w.waiters, key)
	}
}
