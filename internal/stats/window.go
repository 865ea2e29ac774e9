package stats

// Window keeps the last size values in a ring and mirrors them in a Rolling
// estimator through Observe and Forget.
type Window struct {
	ring  []float64
	next  int
	n     int
	stats Rolling
}

// NewWindow allocates a ring of the given size; size below 1 is raised to 1.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{ring: make([]float64, size)}
}

// Push adds v, dropping the oldest value when the ring is full. The dropped value
// is returned with ok set.
func (w *Window) Push(v float64) (evicted float64, ok bool) {
	exact := true
	if w.n == len(w.ring) {
		evicted, ok = w.ring[w.next], true
		exact = w.stats.Forget(evicted)
	} else {
		w.n++
	}
	w.ring[w.next] = v
	w.next = (w.next + 1) % len(w.ring)
	if exact {
		w.stats.Observe(v)
	} else {
		w.stats.Rebuild(w.Values())
	}
	return evicted, ok
}

// Full reports whether the ring holds size values.
func (w *Window) Full() bool { return w.n == len(w.ring) }

// Len returns how many values are held.
func (w *Window) Len() int { return w.n }

// Size returns the ring capacity.
func (w *Window) Size() int { return len(w.ring) }

// ZScore scores v against the values currently in the ring.
func (w *Window) ZScore(v float64) float64 { return w.stats.ZScore(v) }

// Snapshot copies the ring's statistics.
func (w *Window) Snapshot() State { return w.stats.Snapshot() }

// Values returns the held values oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, w.n)
	start := w.next - w.n
	if start < 0 {
		start += len(w.ring)
	}
	for i := 0; i < w.n; i++ {
		out = append(out, w.ring[(start+i)%len(w.ring)])
	}
	return out
}
