package imu

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/convert"
	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
	"github.com/williamyang98/QuaternionIMU/internal/testutil"
)

// fakeMux stands in for the transport. respond, when set, plays the device
// and is called synchronously for every command sent.
type fakeMux struct {
	mu       sync.Mutex
	handlers map[byte][]serialmux.Handler
	sent     [][]byte
	respond  func(cmd []byte)
}

func newFakeMux() *fakeMux {
	return &fakeMux{handlers: make(map[byte][]serialmux.Handler)}
}

func (f *fakeMux) Subscribe() (string, chan string) { return "", make(chan string) }
func (f *fakeMux) Unsubscribe(string)               {}
func (f *fakeMux) HandleFallback(serialmux.Handler) {}
func (f *fakeMux) Close() error                     { return nil }
func (f *fakeMux) AttachAdminRoutes(*http.ServeMux) {}

func (f *fakeMux) Handle(header byte, h serialmux.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[header] = append(f.handlers[header], h)
}

func (f *fakeMux) SendCommand(cmd []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), cmd...))
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(cmd)
	}
	return nil
}

func (f *fakeMux) StartMeasurements() error { return f.SendCommand(protocol.StartCommand()) }
func (f *fakeMux) StopMeasurements() error  { return f.SendCommand(protocol.StopCommand()) }

func (f *fakeMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeMux) deliver(header byte, body []byte) {
	f.mu.Lock()
	handlers := f.handlers[header]
	f.mu.Unlock()
	for _, h := range handlers {
		h(protocol.Packet{Header: header, Body: body})
	}
}

func (f *fakeMux) commands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// device answers bus commands from a register file and acknowledges start
// and stop.
func device(f *fakeMux, h protocol.Headers, regs map[bus.Key]byte) func([]byte) {
	return func(cmd []byte) {
		switch cmd[0] {
		case protocol.CmdStartMeasurements:
			f.deliver(h.StartAck, nil)
		case protocol.CmdStopMeasurements:
			f.deliver(h.StopAck, nil)
		case protocol.CmdBusRead:
			k := bus.Key{Addr: cmd[1], Reg: cmd[2]}
			f.deliver(h.ReadAck, []byte{k.Addr, k.Reg, 1, regs[k]})
		case protocol.CmdBusWrite:
			k := bus.Key{Addr: cmd[1], Reg: cmd[2]}
			regs[k] = cmd[4]
			f.deliver(h.WriteAck, []byte{k.Addr, k.Reg, cmd[3]})
		}
	}
}

type sampleLog struct {
	mu       sync.Mutex
	inertial []r3.Vec
	temps    []int16
	magnetic []r3.Vec
	times    []float64
}

func (s *sampleLog) RecordInertial(t float64, accel, rate r3.Vec, temperature int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inertial = append(s.inertial, accel, rate)
	s.temps = append(s.temps, temperature)
	s.times = append(s.times, t)
	return nil
}

func (s *sampleLog) RecordMagnetic(t float64, mag r3.Vec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magnetic = append(s.magnetic, mag)
	s.times = append(s.times, t)
	return nil
}

func newManager() *fusion.Manager {
	return fusion.NewManager(ekf.NewFilter(ekf.NewEstimator(0.1, 0), 1e-6), fusion.DefaultConfig())
}

func TestClient_DispatchesStream(t *testing.T) {
	testutil.MuteLogs(t)
	h := protocol.DefaultHeaders()
	stream := testutil.Stream(
		testutil.Frame(h.StartAck, nil),
		testutil.Frame(h.Inertial, testutil.InertialBody(1000, [3]int16{0, 0, 16384}, 340, [3]int16{131, 0, 0})),
		testutil.Frame(h.Magnetic, testutil.MagneticBody(1500, [3]int16{1090, 0, 0})),
		testutil.Frame(h.Inertial, testutil.InertialBody(2000, [3]int16{0, 0, 16384}, 341, [3]int16{0, 0, 0})),
		testutil.Frame(h.NotReady, []byte{0x1E}),
		testutil.Frame(h.Invalid, []byte{2, 'h', 'i'}),
		testutil.Frame(h.Inertial, []byte{1, 2, 3}),
	)

	port := serialmux.NewTestableSerialPort()
	port.AddReadData(stream)
	mux := serialmux.NewFrameMux(port)

	log := &sampleLog{}
	conv := convert.New()
	correlator := bus.NewCorrelator(mux, bus.Config{})
	c := NewClient(mux, correlator, newManager(), Config{Headers: h, Converter: conv, Recorder: log})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	st := c.Status()
	assert.True(t, st.Measuring)
	assert.True(t, st.Calibrating)
	assert.Equal(t, uint64(2), st.InertialSamples)
	assert.Equal(t, uint64(1), st.MagneticSamples)
	assert.Equal(t, uint64(1), st.NotReady)
	assert.Equal(t, uint64(1), st.Invalid)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Contains(t, st.LastInvalid, `"hi"`)
	assert.InDelta(t, 0.002, st.LastSeconds, 1e-12)
	assert.Equal(t, fusion.BufferSizes{Accel: 2, Magnetic: 1, Rate: 2}, st.Buffers)

	log.mu.Lock()
	defer log.mu.Unlock()
	require.Len(t, log.inertial, 4)
	assert.Equal(t, conv.Acceleration([3]int16{0, 0, 16384}), log.inertial[0])
	assert.Equal(t, conv.Rate([3]int16{131, 0, 0}), log.inertial[1])
	assert.Equal(t, []int16{340, 341}, log.temps)
	require.Len(t, log.magnetic, 1)
	assert.Equal(t, conv.Magnetic([3]int16{1090, 0, 0}), log.magnetic[0])
	assert.InDeltaSlice(t, []float64{0.001, 0.0015, 0.002}, log.times, 1e-12)

	// the stream ended, so the correlator refuses new work
	_, err := correlator.Read(context.Background(), 0x68, 0x75, 1)
	assert.ErrorIs(t, err, bus.ErrTransportClosed)
}

func TestClient_CustomHeaders(t *testing.T) {
	t.Parallel()

	h := protocol.DefaultHeaders()
	h.Magnetic, h.Inertial = h.Inertial, h.Magnetic

	f := newFakeMux()
	c := NewClient(f, bus.NewCorrelator(f, bus.Config{}), newManager(), Config{Headers: h, Converter: convert.New()})

	f.deliver(h.Magnetic, testutil.MagneticBody(10, [3]int16{1, 2, 3}))
	f.deliver(0x01, testutil.MagneticBody(10, [3]int16{1, 2, 3}))

	st := c.Status()
	assert.Equal(t, uint64(1), st.MagneticSamples)
	assert.Equal(t, uint64(0), st.InertialSamples)
	assert.Equal(t, uint64(1), st.Malformed)
}

func TestClient_SetupThenStart(t *testing.T) {
	t.Parallel()

	h := protocol.DefaultHeaders()
	f := newFakeMux()
	regs := map[bus.Key]byte{{Addr: 0x68, Reg: 0x1B}: 0x01}
	f.respond = device(f, h, regs)

	correlator := bus.NewCorrelator(f, bus.Config{Timeout: time.Minute})
	defer correlator.Close()

	mask := uint8(0x18)
	c := NewClient(f, correlator, newManager(), Config{
		Headers:   h,
		Converter: convert.New(),
		Setup: []bus.RegisterWrite{
			{Addr: 0x68, Reg: 0x1B, Value: 0x18, Mask: &mask, Note: "gyro range"},
		},
	})

	require.NoError(t, c.Setup(context.Background()))
	assert.True(t, c.Status().Measuring)

	cmds := f.commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, protocol.StartCommand(), cmds[len(cmds)-1])
	assert.Equal(t, byte(0x19), regs[bus.Key{Addr: 0x68, Reg: 0x1B}])

	require.NoError(t, c.Stop())
	assert.False(t, c.Status().Measuring)
}

func TestClient_SetupFailureDoesNotStart(t *testing.T) {
	t.Parallel()

	h := protocol.DefaultHeaders()
	f := newFakeMux()
	// the device acknowledges writes but every register reads back as zero
	f.respond = func(cmd []byte) {
		switch cmd[0] {
		case protocol.CmdBusRead:
			f.deliver(h.ReadAck, []byte{cmd[1], cmd[2], 1, 0})
		case protocol.CmdBusWrite:
			f.deliver(h.WriteAck, []byte{cmd[1], cmd[2], cmd[3]})
		}
	}

	correlator := bus.NewCorrelator(f, bus.Config{Timeout: time.Minute})
	defer correlator.Close()
	c := NewClient(f, correlator, newManager(), Config{
		Headers: h,
		Setup:   []bus.RegisterWrite{{Addr: 0x1E, Reg: 0x01, Value: 0xE0}},
	})

	err := c.Setup(context.Background())
	var mismatch *bus.MismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	for _, cmd := range f.commands() {
		assert.NotEqual(t, protocol.CmdStartMeasurements, cmd[0])
	}
	assert.False(t, c.Status().Measuring)
}

func TestClient_RunClosesCorrelator(t *testing.T) {
	t.Parallel()

	f := newFakeMux()
	correlator := bus.NewCorrelator(f, bus.Config{Timeout: time.Minute})
	c := NewClient(f, correlator, newManager(), Config{Headers: protocol.DefaultHeaders()})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	readErr := make(chan error, 1)
	go func() {
		_, err := correlator.Read(context.Background(), 0x68, 0x75, 1)
		readErr <- err
	}()

	require.Eventually(t, func() bool { return len(f.commands()) == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, bus.ErrTransportClosed)
		assert.Contains(t, err.Error(), "context canceled")
	case <-time.After(2 * time.Second):
		t.Fatal("pending read was not released")
	}
	assert.ErrorIs(t, <-runErr, context.Canceled)
}
