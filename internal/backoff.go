package internal

// Backoff is an exponential backoff counted in timer ticks.
// A Backoff with a non-zero max is ready for use.
type Backoff struct {
	// wait is the value returned by the next call to Miss.
	wait uint32
	// Maximum allowable value for wait.
	max uint32
	// start is the initial wait value and the value wait takes after Hit.
	start uint32
}

// NewBackoff returns a Backoff that starts at start ticks and doubles up to max ticks.
func NewBackoff(start, max uint32) Backoff {
	if start == 0 {
		start = 1
	}
	if max < start {
		max = start
	}
	return Backoff{wait: start, max: max, start: start}
}

// Hit resets the backoff to its starting value.
func (eb *Backoff) Hit() {
	if eb.max == 0 {
		panic("Backoff max cannot be zero")
	}
	eb.wait = eb.start
}

// Wait returns the current wait without advancing the backoff.
func (eb *Backoff) Wait() uint32 { return eb.wait }

// Miss returns the current wait and doubles it for the next call, capped at the maximum.
func (eb *Backoff) Miss() uint32 {
	if eb.max == 0 {
		panic("Backoff max cannot be zero")
	}
	w := eb.wait
	eb.wait *= 2
	if eb.wait > eb.max || eb.wait < w {
		eb.wait = eb.max
	}
	return w
}

// SetStart changes the starting value and resets the backoff to it.
func (eb *Backoff) SetStart(start uint32) {
	eb.start = min(max(start, 1), eb.max)
	eb.wait = eb.start
}
