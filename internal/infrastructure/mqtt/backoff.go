package mqtt

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect schedule: the delay starts at one second and grows by half on
// every failure, capped at two minutes.
const (
	backoffInitial    = 1 * time.Second
	backoffMultiplier = 1.5
	backoffMax        = 120 * time.Second
)

// Backoff is the reconnect delay shared by every broker connection.
//
// A failure on any broker lengthens the delay for all of them; a successful
// connect on any broker resets it.
//
// Thread Safety: All methods are safe for concurrent use.
type Backoff struct {
	mu  sync.Mutex
	exp *backoff.ExponentialBackOff
}

// NewBackoff returns a Backoff at its initial delay.
func NewBackoff() *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = backoffInitial
	exp.Multiplier = backoffMultiplier
	exp.MaxInterval = backoffMax
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &Backoff{exp: exp}
}

// Next returns the delay to wait before the next attempt and grows the
// delay for the attempt after it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.exp.NextBackOff()
	metricReconnectDelay.Set(d.Seconds())
	return d
}

// Reset returns the delay to its initial value.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exp.Reset()
	metricReconnectDelay.Set(backoffInitial.Seconds())
}
