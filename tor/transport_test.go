package tor

import (
	"sync"
)

// fakeTransport is an in-memory Transport double for tests: Write
// appends to a recorded log instead of touching the network, and Feed
// lets a test hand lines to whatever parser StartRead registered, as
// if they had arrived from the daemon.
type fakeTransport struct {
	mu      sync.Mutex
	parser  LineParser
	written [][]byte
	closed  bool
	eosOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Write(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &ErrIllegalState{Reason: "transport is closed"}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeTransport) StartRead(parser LineParser) {
	f.mu.Lock()
	f.parser = parser
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	parser := f.parser
	f.mu.Unlock()

	if parser != nil {
		f.eosOnce.Do(func() { parser("", false) })
	}
	return nil
}

// Feed delivers line to the registered parser, as if it had just been
// read off the wire.
func (f *fakeTransport) Feed(line string) {
	f.mu.Lock()
	parser := f.parser
	f.mu.Unlock()
	if parser != nil {
		parser(line, true)
	}
}

// WrittenLines returns a snapshot of every buffer passed to Write so
// far, as strings.
func (f *fakeTransport) WrittenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, b := range f.written {
		out[i] = string(b)
	}
	return out
}
