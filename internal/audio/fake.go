package audio

import (
	"context"
	"sync"
)

// FakeCapture is an in-memory CaptureDevice for tests and dry runs.
// Acquire fails with Err when set; when Gate is non-nil Acquire waits for it to close.
type FakeCapture struct {
	Err  error
	Gate chan struct{}

	mu       sync.Mutex
	acquired int
	streams  []*FakeStream
}

// NewFakeCapture returns a capture device that always succeeds
func NewFakeCapture() *FakeCapture {
	return &FakeCapture{}
}

func (f *FakeCapture) Acquire(ctx context.Context, constraints Constraints) (Stream, error) {
	f.mu.Lock()
	f.acquired++
	gate := f.Gate
	err := f.Err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ClassifyCaptureError(ctx.Err())
		}
	}

	if err != nil {
		return nil, ClassifyCaptureError(err)
	}

	stream := &FakeStream{Constraints: constraints}
	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

// Acquired returns how many times Acquire was called
func (f *FakeCapture) Acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

// Streams returns every stream handed out so far
func (f *FakeCapture) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeStream, len(f.streams))
	copy(out, f.streams)
	return out
}

// Live returns the number of streams not yet released
func (f *FakeCapture) Live() int {
	live := 0
	for _, s := range f.Streams() {
		if !s.Released() {
			live++
		}
	}
	return live
}

// FakeStream is a Stream whose samples are injected with Emit
type FakeStream struct {
	Constraints Constraints

	mu       sync.Mutex
	cb       SampleCallback
	started  bool
	released bool
	releases int
}

func (s *FakeStream) SetCallback(cb SampleCallback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *FakeStream) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *FakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	s.released = true
	s.cb = nil
}

// Emit delivers samples to the callback as the device would
func (s *FakeStream) Emit(samples []float32) {
	s.mu.Lock()
	cb := s.cb
	active := s.started && !s.released
	s.mu.Unlock()

	if active && cb != nil {
		cb(samples)
	}
}

// Released reports whether Release has been called
func (s *FakeStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Started reports whether Start has been called
func (s *FakeStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
