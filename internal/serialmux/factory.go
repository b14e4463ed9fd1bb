package serialmux

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct {
	// ReadTimeout bounds each Read so the read loop can poll for shutdown.
	ReadTimeout time.Duration
}

// NewRealSerialPortFactory returns a factory using DefaultPollInterval as the
// read timeout.
func NewRealSerialPortFactory() *RealSerialPortFactory {
	return &RealSerialPortFactory{ReadTimeout: DefaultPollInterval}
}

func (f *RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if f.ReadTimeout > 0 {
		if err := port.SetReadTimeout(f.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
		}
	}
	return port, nil
}

// NewFrameMuxFromFactory opens path with factory and wraps it in a FrameMux.
// Ports implementing TimeoutSerialPorter get the poll interval as read timeout.
func NewFrameMuxFromFactory(factory SerialPortFactory, path string, opts PortOptions, muxOpts ...Option) (*FrameMux[SerialPorter], error) {
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	mux := NewFrameMux(port, muxOpts...)
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(mux.pollInterval); err != nil {
			port.Close()
			return nil, err
		}
	}
	return mux, nil
}

// NewRealFrameMux creates a FrameMux backed by a real serial port at the
// given path using the provided serial options.
func NewRealFrameMux(path string, opts PortOptions, muxOpts ...Option) (*FrameMux[SerialPorter], error) {
	return NewFrameMuxFromFactory(NewRealSerialPortFactory(), path, opts, muxOpts...)
}
