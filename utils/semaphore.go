package utils

// Semaphore is a counting semaphore backed by a buffered channel.
type Semaphore struct {
	c chan struct{}
}

// NewSemaphore creates a semaphore that admits capacity holders at once.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{
		c: make(chan struct{}, capacity),
	}
}

// Wait (P) takes a slot, blocking while none is free.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// Signal (V) gives a slot back.
func (s *Semaphore) Signal() {
	select {
	case <-s.c:
	default:
		// nothing held; ignore to keep the count bounded
	}
}
