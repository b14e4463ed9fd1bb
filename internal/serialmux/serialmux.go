// Serialmux provides an abstraction over a serial port carrying COBS framed
// packets. Decoded packets are dispatched to handlers registered per header
// byte, and multiple clients may tail the packet stream or send commands to
// the single device.
package serialmux

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/williamyang98/QuaternionIMU/internal/cobs"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/timeutil"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// DefaultPollInterval is how long the read loop idles after an empty read.
const DefaultPollInterval = 10 * time.Millisecond

const readChunkSize = 512

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!DOCTYPE html>
<html>
<head><title>IMU link</title></head>
<body>
<form method="post" action="send-command-api">
<label>Command (hex) <input name="command" placeholder="03 1E 0A 06"></label>
<button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const out = document.getElementById("tail");
const es = new EventSource("tail");
es.onmessage = (e) => { out.textContent = e.data + "\n" + out.textContent.slice(0, 8192); };
</script>
</body>
</html>
`))

// FrameMux is a generic serial port multiplexer for a COBS framed packet
// stream.
type FrameMux[T SerialPorter] struct {
	port         T
	clock        timeutil.Clock
	pollInterval time.Duration
	handlers     *handlerTable
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// FrameMuxInterface defines the interface for the FrameMux type.
type FrameMuxInterface interface {
	// Subscribe creates a new channel receiving a text rendering of every
	// decoded packet. The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Handle registers h for packets carrying header.
	Handle(header byte, h Handler)
	// HandleFallback registers h for packets whose header has no handler.
	HandleFallback(h Handler)
	// SendCommand frames and writes the provided command to the serial port.
	SendCommand([]byte) error
	StartMeasurements() error
	StopMeasurements() error
	// Monitor reads frames from the serial port and dispatches them until
	// the context ends or the stream closes.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures a FrameMux.
type Option func(*muxOptions)

type muxOptions struct {
	clock        timeutil.Clock
	pollInterval time.Duration
}

// WithClock sets the clock used for idle polling.
func WithClock(c timeutil.Clock) Option {
	return func(o *muxOptions) { o.clock = c }
}

// WithPollInterval sets the idle delay after an empty read.
func WithPollInterval(d time.Duration) Option {
	return func(o *muxOptions) { o.pollInterval = d }
}

// NewFrameMux creates a FrameMux over the given port.
func NewFrameMux[T SerialPorter](port T, opts ...Option) *FrameMux[T] {
	o := muxOptions{clock: timeutil.RealClock{}, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return &FrameMux[T]{
		port:         port,
		clock:        o.clock,
		pollInterval: o.pollInterval,
		handlers:     newHandlerTable(),
		subscribers:  make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	return uuid.NewString()
}

func (s *FrameMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the frame mux.
func (s *FrameMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *FrameMux[T]) Handle(header byte, h Handler) {
	s.handlers.add(header, h)
}

func (s *FrameMux[T]) HandleFallback(h Handler) {
	s.handlers.addFallback(h)
}

// SendCommand writes a pad delimiter followed by the framed command. The pad
// terminates any partial frame the device may be holding.
func (s *FrameMux[T]) SendCommand(command []byte) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}
	frame := make([]byte, 0, 1+cobs.MaxEncodedLen(len(command)))
	frame = append(frame, cobs.Delimiter)
	frame = cobs.AppendEncode(frame, command)

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

func (s *FrameMux[T]) StartMeasurements() error {
	if err := s.SendCommand(protocol.StartCommand()); err != nil {
		return fmt.Errorf("failed to start measurements: %w", err)
	}
	return nil
}

func (s *FrameMux[T]) StopMeasurements() error {
	if err := s.SendCommand(protocol.StopCommand()); err != nil {
		return fmt.Errorf("failed to stop measurements: %w", err)
	}
	return nil
}

func (s *FrameMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Monitor reads the serial port, reframes the byte stream and dispatches each
// packet to its handlers and subscribers. It returns nil when the stream ends
// or the mux is closed.
func (s *FrameMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read runs on its own goroutine so the outer loop can
	// observe context cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, readChunkSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case readErrChan <- err:
					case <-ctx.Done():
					}
				}
				return
			}
			if n == 0 {
				select {
				case <-s.clock.After(s.pollInterval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var reframer Reframer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			if s.isClosing() {
				return nil
			}
			return err

		case chunk, ok := <-chunkChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}

			packets, errs := reframer.Feed(chunk)
			for _, err := range errs {
				monitoring.FramingErrors.Inc()
				monitoring.Logf("serialmux: dropped frame: %v", err)
			}
			for _, pkt := range packets {
				monitoring.FramesDecoded.Inc()
				s.handlers.dispatch(pkt)
				s.publish(pkt)
			}
		}
	}
}

func (s *FrameMux[T]) publish(pkt protocol.Packet) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if len(s.subscribers) == 0 {
		return
	}
	line := pkt.String()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full/blocking skip so as not to block the outer loop
		}
	}
}

func (s *FrameMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// ParseHexCommand accepts hex with optional whitespace, e.g. "03 1e 0a 06".
func ParseHexCommand(text string) ([]byte, error) {
	cleaned := strings.Join(strings.Fields(text), "")
	cleaned = strings.TrimPrefix(strings.ToLower(cleaned), "0x")
	if cleaned == "" {
		return nil, errors.New("empty command")
	}
	return hex.DecodeString(cleaned)
}

func (s *FrameMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a command to the serial port", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write a hex encoded command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		text := strings.TrimSpace(r.FormValue("command"))
		if text == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		command, err := ParseHexCommand(text)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid hex command: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command % X to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) for each decoded packet.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		flusher, _ := w.(http.Flusher)
		w.Write([]byte(": ping\n\n"))
		if flusher != nil {
			flusher.Flush()
		}

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})
}
