// Package serialmux multiplexes a line-oriented serial link to the channel
// gateway: many subscribers receive every line read from the port, and
// writes from concurrent callers are serialised.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("short write to serial port")

// Mux is the behaviour shared by SerialMux and DisabledMux.
type Mux interface {
	// Subscribe returns an ID and a channel receiving every line read from
	// the port. Slow subscribers miss lines rather than block the reader.
	Subscribe() (string, chan string)
	Unsubscribe(id string)
	// SendCommand writes one line to the port, adding the newline.
	SendCommand(command string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(ctx context.Context) error
	Close() error
	// Handshake announces the client to the gateway.
	Handshake(client string) error
	AttachAdminRoutes(mux *http.ServeMux)
}

// SerialMux is a Mux over any SerialPorter.
type SerialMux[T SerialPorter] struct {
	port        T
	mu          sync.Mutex
	subscribers map[string]chan string
	buffer      int
	writeMu     sync.Mutex
	closing     bool
}

// NewSerialMux wraps port. Subscriber channels are buffered by one line.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		buffer:      1,
	}
}

// SetSubscriberBuffer sets the channel depth for subsequent subscribers.
func (s *SerialMux[T]) SetSubscriberBuffer(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= 0 {
		s.buffer = n
	}
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := randomID()
	ch := make(chan string, s.buffer)
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Handshake sends "HELLO <client>" so the gateway can drop stale
// subscriptions from a previous session.
func (s *SerialMux[T]) Handshake(client string) error {
	if err := s.SendCommand("HELLO " + client); err != nil {
		return fmt.Errorf("gateway handshake: %w", err)
	}
	return nil
}

func (s *SerialMux[T]) SendCommand(command string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks, so it runs apart from the cancellation select below.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if !s.broadcast(line) {
				return nil
			}
		}
	}
}

// broadcast reports false once the mux is closing.
func (s *SerialMux[T]) broadcast(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return true
}

func (s *SerialMux[T]) Close() error {
	s.mu.Lock()
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes registers /debug/gateway-send and an SSE tail of the
// gateway link at /debug/gateway-tail.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("gateway-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to gateway", command))
	})
	debug.HandleSilentFunc("gateway-tail", func(w http.ResponseWriter, r *http.Request) {
		tailLines(s, w, r)
	})
}

func tailLines(m Mux, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := m.Subscribe()
	defer m.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()
	for {
		select {
		case line, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
