package serialmux

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrDisabled is returned by every send on a DisabledFrameMux.
var ErrDisabled = errors.New("serialmux: serial port disabled")

// DisabledFrameMux is a FrameMux used when the sensor board is absent
// (--no-serial). It lets the API and admin routes run without hardware; sends
// fail at once with ErrDisabled so bus requests do not wait out their timeout.
// Subscribers are tracked so their channels close deterministically on
// Unsubscribe() or Close(), allowing readers to unblock during shutdown.
type DisabledFrameMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledFrameMux() *DisabledFrameMux {
	return &DisabledFrameMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledFrameMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledFrameMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledFrameMux) Handle(byte, Handler) {}
func (d *DisabledFrameMux) HandleFallback(Handler) {}
func (d *DisabledFrameMux) SendCommand([]byte) error { return ErrDisabled }
func (d *DisabledFrameMux) StartMeasurements() error { return ErrDisabled }
func (d *DisabledFrameMux) StopMeasurements() error  { return ErrDisabled }

func (d *DisabledFrameMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledFrameMux) Close() error {
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

func (d *DisabledFrameMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}

var (
	_ FrameMuxInterface = (*DisabledFrameMux)(nil)
	_ FrameMuxInterface = (*FrameMux[SerialPorter])(nil)
)
