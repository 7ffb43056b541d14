package conn

import "time"

// Backoff produces exponentially growing reconnect delays, capped at Max.
// Not safe for concurrent use; the run loop is the only caller.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// NewBackoff creates a backoff starting at initial and doubling up to max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait before the next attempt and advances the
// sequence: initial, 2x, 4x, ... capped at Max.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

// Reset restarts the sequence from Initial. Called after a successful
// connection.
func (b *Backoff) Reset() {
	b.next = 0
}
