package engine

// Signal is a binary handshake flag between the audio thread and the worker.
// Raise and TryAcquire never block; Wait is the only blocking call and is
// used by the worker alone. A Raise happens before the TryAcquire or Wait
// that consumes it.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns a signal, optionally already raised.
func NewSignal(raised bool) *Signal {
	s := &Signal{ch: make(chan struct{}, 1)}
	if raised {
		s.ch <- struct{}{}
	}
	return s
}

// Raise sets the signal. It reports false if the signal was already raised.
func (s *Signal) Raise() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// TryAcquire clears the signal if it is raised and reports whether it was.
func (s *Signal) TryAcquire() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal is raised, then clears it.
func (s *Signal) Wait() {
	<-s.ch
}
