package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledMux stands in for the gateway link when steering runs without
// one. Commands are discarded and no lines are ever delivered, but
// subscriber channels are still closed on Unsubscribe and Close so readers
// unblock during shutdown.
type DisabledMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledMux() *DisabledMux {
	return &DisabledMux{subscribers: make(map[string]chan string)}
}

func (d *DisabledMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledMux) SendCommand(string) error { return nil }

func (d *DisabledMux) Handshake(string) error { return nil }

func (d *DisabledMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/gateway-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("gateway link disabled"))
	})
}
