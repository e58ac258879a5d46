package hub

import (
	"context"
	"sync"
	"time"

	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// mockSink collects delivered rows and the terminal error. Setting block
// makes WriteEvent stall until the channel is closed, simulating a
// consumer that stops reading.
type mockSink struct {
	mu       sync.Mutex
	rows     []types.EnvelopeRow
	terminal *wire.Error

	recv   chan types.EnvelopeRow
	closed chan struct{}
	block  chan struct{}
}

func newMockSink() *mockSink {
	return &mockSink{
		recv:   make(chan types.EnvelopeRow, 1024),
		closed: make(chan struct{}),
	}
}

// newBlockedSink returns a sink that stalls every write until unblock.
func newBlockedSink() (*mockSink, func()) {
	s := newMockSink()
	s.block = make(chan struct{})
	var once sync.Once
	return s, func() { once.Do(func() { close(s.block) }) }
}

func (s *mockSink) WriteEvent(ctx context.Context, row types.EnvelopeRow) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.rows = append(s.rows, row)
	s.mu.Unlock()
	s.recv <- row
	return nil
}

func (s *mockSink) SubscriptionClosed(convID types.ConvIDType, terminal *wire.Error) {
	s.mu.Lock()
	s.terminal = terminal
	s.mu.Unlock()
	close(s.closed)
}

func (s *mockSink) delivered() []types.EnvelopeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EnvelopeRow, len(s.rows))
	copy(out, s.rows)
	return out
}

func (s *mockSink) terminalErr() *wire.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// waitRows blocks until n rows arrived or the timeout elapses; it returns
// what was collected either way.
func (s *mockSink) waitRows(n int, timeout time.Duration) []types.EnvelopeRow {
	deadline := time.After(timeout)
	count := 0
	for count < n {
		select {
		case <-s.recv:
			count++
		case <-deadline:
			return s.delivered()
		}
	}
	return s.delivered()
}

// waitClosed blocks until the subscription reports its terminal state.
func (s *mockSink) waitClosed(timeout time.Duration) bool {
	select {
	case <-s.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}
