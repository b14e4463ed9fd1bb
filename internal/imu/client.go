// Package imu connects the framed transport to the rest of the link: sample
// packets are decoded, converted and fed to the fusion manager, bus
// acknowledgements go to the correlator, and device notices are logged.
package imu

import (
	"context"
	"fmt"
	"io"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/convert"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
)

// SampleRecorder receives every converted sample. *db.Recorder implements it.
type SampleRecorder interface {
	RecordInertial(t float64, accel, rate r3.Vec, temperature int16) error
	RecordMagnetic(t float64, mag r3.Vec) error
}

// Config describes how packets are interpreted.
type Config struct {
	Headers   protocol.Headers
	Converter convert.Converter
	// Setup is written to the device before measurements start.
	Setup []bus.RegisterWrite
	// Recorder is optional.
	Recorder SampleRecorder
}

// Status is a snapshot of the link counters.
type Status struct {
	Measuring   bool               `json:"measuring"`
	Calibrating bool               `json:"calibrating"`
	Buffers     fusion.BufferSizes `json:"buffers"`

	InertialSamples uint64 `json:"inertial_samples"`
	MagneticSamples uint64 `json:"magnetic_samples"`
	Malformed       uint64 `json:"malformed"`
	NotReady        uint64 `json:"not_ready"`
	Invalid         uint64 `json:"invalid"`
	// LastInvalid is the most recent invalid-packet notice, rendered as text.
	LastInvalid string `json:"last_invalid,omitempty"`
	// LastSeconds is the unwrapped device time of the newest sample.
	LastSeconds float64 `json:"last_seconds"`
}

// Client owns the packet handlers of one link. Handlers run on the transport's
// read loop; Status and the command methods may be called from any goroutine.
type Client struct {
	mux    serialmux.FrameMuxInterface
	bus    *bus.Correlator
	fusion *fusion.Manager
	cfg    Config

	mu     sync.Mutex
	clock  protocol.TimestampUnwrapper
	status Status
}

// NewClient registers the client's handlers on mux.
func NewClient(mux serialmux.FrameMuxInterface, correlator *bus.Correlator, manager *fusion.Manager, cfg Config) *Client {
	c := &Client{
		mux:    mux,
		bus:    correlator,
		fusion: manager,
		cfg:    cfg,
	}

	h := cfg.Headers
	mux.Handle(h.Magnetic, c.onMagnetic)
	mux.Handle(h.Inertial, c.onInertial)
	mux.Handle(h.NotReady, c.onNotReady)
	mux.Handle(h.StartAck, c.onStartAck)
	mux.Handle(h.StopAck, c.onStopAck)
	mux.Handle(h.Invalid, c.onInvalid)
	mux.Handle(h.ReadAck, func(pkt protocol.Packet) { correlator.OnReadAck(pkt.Body) })
	mux.Handle(h.WriteAck, func(pkt protocol.Packet) { correlator.OnWriteAck(pkt.Body) })
	return c
}

func (c *Client) Bus() *bus.Correlator {
	return c.bus
}

func (c *Client) Fusion() *fusion.Manager {
	return c.fusion
}

// Run reads the transport until ctx ends or the stream closes, then resolves
// every outstanding bus request with bus.ErrTransportClosed.
func (c *Client) Run(ctx context.Context) error {
	err := c.mux.Monitor(ctx)
	cause := err
	if cause == nil {
		cause = io.EOF
	}
	c.bus.CloseWithError(cause)
	return err
}

// Setup applies the configured register writes and starts measurements. The
// read loop must already be running so acknowledgements can arrive.
func (c *Client) Setup(ctx context.Context) error {
	if len(c.cfg.Setup) > 0 {
		readback, err := bus.ApplySetup(ctx, c.bus, c.cfg.Setup)
		if err != nil {
			return fmt.Errorf("device setup: %w", err)
		}
		for i, w := range c.cfg.Setup {
			monitoring.Logf("imu: set %s = 0x%02X %s", bus.Key{Addr: w.Addr, Reg: w.Reg}, readback[i], w.Note)
		}
	}
	return c.Start()
}

// Start asks the device to stream samples. Measuring becomes true when the
// device acknowledges.
func (c *Client) Start() error {
	return c.mux.StartMeasurements()
}

func (c *Client) Stop() error {
	return c.mux.StopMeasurements()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	s := c.status
	c.mu.Unlock()
	s.Calibrating = c.fusion.Calibrating()
	s.Buffers = c.fusion.BufferSizes()
	return s
}

// seconds unwraps a raw device timestamp. Both sample streams share one
// unwrapper so their times stay on the same axis.
func (c *Client) seconds(raw uint32) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := protocol.Seconds(c.clock.Unwrap(raw))
	if t > c.status.LastSeconds {
		c.status.LastSeconds = t
	}
	return t
}

func (c *Client) malformed(err error) {
	c.mu.Lock()
	c.status.Malformed++
	c.mu.Unlock()
	monitoring.Logf("imu: %v", err)
}

func (c *Client) onMagnetic(pkt protocol.Packet) {
	s, err := protocol.ParseMagneticSample(pkt.Body)
	if err != nil {
		c.malformed(err)
		return
	}
	t := c.seconds(s.Micros)
	mag := c.cfg.Converter.Magnetic(s.Field)

	c.mu.Lock()
	c.status.MagneticSamples++
	c.mu.Unlock()

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordMagnetic(t, mag); err != nil {
			monitoring.Logf("imu: failed to record magnetic sample: %v", err)
		}
	}
	c.fusion.OnMagnetic(t, mag)
}

func (c *Client) onInertial(pkt protocol.Packet) {
	s, err := protocol.ParseInertialSample(pkt.Body)
	if err != nil {
		c.malformed(err)
		return
	}
	t := c.seconds(s.Micros)
	accel := c.cfg.Converter.Acceleration(s.Accel)
	rate := c.cfg.Converter.Rate(s.Rate)

	c.mu.Lock()
	c.status.InertialSamples++
	c.mu.Unlock()

	if c.cfg.Recorder != nil {
		if err := c.cfg.Recorder.RecordInertial(t, accel, rate, s.Temperature); err != nil {
			monitoring.Logf("imu: failed to record inertial sample: %v", err)
		}
	}
	c.fusion.OnInertial(t, accel, rate)
}

func (c *Client) onNotReady(pkt protocol.Packet) {
	c.mu.Lock()
	c.status.NotReady++
	c.mu.Unlock()
	if len(pkt.Body) > 0 {
		monitoring.Logf("imu: device not ready (0x%02X)", pkt.Body[0])
		return
	}
	monitoring.Logf("imu: device not ready")
}

func (c *Client) onStartAck(protocol.Packet) {
	c.mu.Lock()
	c.status.Measuring = true
	c.mu.Unlock()
	monitoring.Logf("imu: measurements started")
}

func (c *Client) onStopAck(protocol.Packet) {
	c.mu.Lock()
	c.status.Measuring = false
	c.mu.Unlock()
	monitoring.Logf("imu: measurements stopped")
}

func (c *Client) onInvalid(pkt protocol.Packet) {
	notice, err := protocol.ParseInvalidNotice(pkt.Body)
	if err != nil {
		c.malformed(err)
		return
	}
	c.mu.Lock()
	c.status.Invalid++
	c.status.LastInvalid = notice.String()
	c.mu.Unlock()
	monitoring.Logf("imu: device rejected a command: %s", notice)
}
