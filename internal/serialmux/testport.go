package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestPort is an in-memory SerialPorter. Lines fed with Feed are returned by
// Read; everything written is captured.
type TestPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool
	onWrite  func(line string)
}

func NewTestPort() *TestPort {
	r, w := io.Pipe()
	return &TestPort{r: r, w: w}
}

func (p *TestPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *TestPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.written.Write(b)
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil {
		hook(string(bytes.TrimRight(b, "\n")))
	}
	return len(b), nil
}

func (p *TestPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.w.Close()
	return p.r.Close()
}

// Feed makes line available to Read. It blocks until the line is consumed.
func (p *TestPort) Feed(line string) error {
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

// OnWrite installs a hook called with each written line, without its newline.
func (p *TestPort) OnWrite(fn func(line string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
}

// FailWrites makes subsequent writes return err.
func (p *TestPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything written so far.
func (p *TestPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
