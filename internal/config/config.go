package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/convert"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical link defaults file.
const DefaultConfigPath = "config/imu.defaults.json"

// LinkConfig is the root configuration for the host link. Every field is
// optional; the Get* methods supply the default for anything left unset, so
// partial files are safe.
type LinkConfig struct {
	// Serial port
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Transport and bus
	PollInterval   *string           `json:"poll_interval,omitempty"` // duration string like "10ms"
	BusTimeout     *string           `json:"bus_timeout,omitempty"`
	MaxUnknownAcks *int              `json:"max_unknown_acks,omitempty"`
	Headers        *protocol.Headers `json:"headers,omitempty"`

	// Estimator
	ProcessNoise      *float64 `json:"process_noise,omitempty"`
	RateNoise         *float64 `json:"rate_noise,omitempty"`
	InitialCovariance *float64 `json:"initial_covariance,omitempty"`

	// Fusion
	AccelVariance         *float64 `json:"accel_variance,omitempty"`
	MagVariance           *float64 `json:"mag_variance,omitempty"`
	NormaliseMagnetometer *bool    `json:"normalise_magnetometer,omitempty"`
	PairedUpdates         *bool    `json:"paired_updates,omitempty"`
	PairWindow            *string  `json:"pair_window,omitempty"`
	AccelUpdateOnRate     *bool    `json:"accel_update_on_rate,omitempty"`

	// Conversion
	Gains            *convert.Gains `json:"gains,omitempty"`
	MagnetometerBias *[3]float64    `json:"magnetometer_bias,omitempty"`

	// Register writes applied over the bus before measurements start. The
	// gains above must match the ranges they select.
	Setup []bus.RegisterWrite `json:"setup,omitempty"`

	// Recording and control surface
	DBPath        *string `json:"db_path,omitempty"`
	RecordSamples *bool   `json:"record_samples,omitempty"`
	Listen        *string `json:"listen,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns a LinkConfig with all fields set to nil.
func EmptyConfig() *LinkConfig {
	return &LinkConfig{}
}

// DefaultConfig returns a LinkConfig with every field set to its default.
func DefaultConfig() *LinkConfig {
	headers := protocol.DefaultHeaders()
	gains := convert.New().Gains
	bias := [3]float64{-0.1, 0.05, 0}
	return &LinkConfig{
		Port:                  ptrString("/dev/ttyUSB0"),
		BaudRate:              ptrInt(serialmux.DefaultBaudRate),
		DataBits:              ptrInt(8),
		StopBits:              ptrInt(1),
		Parity:                ptrString("N"),
		PollInterval:          ptrString("10ms"),
		BusTimeout:            ptrString("1s"),
		MaxUnknownAcks:        ptrInt(bus.DefaultMaxUnknown),
		Headers:               &headers,
		ProcessNoise:          ptrFloat64(0.1),
		RateNoise:             ptrFloat64(1),
		InitialCovariance:     ptrFloat64(1e-6),
		AccelVariance:         ptrFloat64(0.1),
		MagVariance:           ptrFloat64(0.01),
		NormaliseMagnetometer: ptrBool(true),
		PairedUpdates:         ptrBool(false),
		PairWindow:            ptrString("20ms"),
		AccelUpdateOnRate:     ptrBool(true),
		Gains:                 &gains,
		MagnetometerBias:      &bias,
		DBPath:                ptrString("imu.db"),
		RecordSamples:         ptrBool(true),
		Listen:                ptrString(":8080"),
	}
}

// LoadConfig loads a LinkConfig from a JSON file. The file must have a .json
// extension and be under 1MB.
func LoadConfig(path string) (*LinkConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent directories
// so it works from package tests. Panics if the file cannot be loaded.
func MustLoadDefaultConfig() *LinkConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *LinkConfig) Validate() error {
	if _, err := c.GetPortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}

	for name, value := range map[string]*string{
		"poll_interval": c.PollInterval,
		"bus_timeout":   c.BusTimeout,
		"pair_window":   c.PairWindow,
	} {
		if value == nil || *value == "" {
			continue
		}
		d, err := time.ParseDuration(*value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.MaxUnknownAcks != nil && *c.MaxUnknownAcks <= 0 {
		return fmt.Errorf("max_unknown_acks must be positive, got %d", *c.MaxUnknownAcks)
	}
	if c.Headers != nil {
		if err := c.Headers.Validate(); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
	}

	for name, value := range map[string]*float64{
		"process_noise":  c.ProcessNoise,
		"rate_noise":     c.RateNoise,
		"accel_variance": c.AccelVariance,
		"mag_variance":   c.MagVariance,
	} {
		if value != nil && *value < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *value)
		}
	}
	if c.InitialCovariance != nil && *c.InitialCovariance <= 0 {
		return fmt.Errorf("initial_covariance must be positive, got %g", *c.InitialCovariance)
	}

	if c.Gains != nil {
		if c.Gains.Magnetometer <= 0 || c.Gains.Accelerometer <= 0 || c.Gains.Gyroscope <= 0 {
			return fmt.Errorf("gains must be positive, got %+v", *c.Gains)
		}
	}

	for i, w := range c.Setup {
		if w.Mask != nil && *w.Mask == 0 {
			return fmt.Errorf("setup[%d]: mask selects no bits", i)
		}
	}
	return nil
}

func durationOr(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return def
	}
	return d
}

// GetPort returns the serial device path or the default.
func (c *LinkConfig) GetPort() string {
	if c.Port == nil {
		return "/dev/ttyUSB0"
	}
	return *c.Port
}

// GetPortOptions returns the serial options. Unset fields are left zero for
// PortOptions.Normalize to fill in.
func (c *LinkConfig) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetPollInterval returns the idle delay after an empty serial read.
func (c *LinkConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, serialmux.DefaultPollInterval)
}

// GetBusConfig returns the correlator configuration. The clock is left for
// the caller.
func (c *LinkConfig) GetBusConfig() bus.Config {
	cfg := bus.Config{
		Timeout:    durationOr(c.BusTimeout, bus.DefaultTimeout),
		MaxUnknown: bus.DefaultMaxUnknown,
	}
	if c.MaxUnknownAcks != nil {
		cfg.MaxUnknown = *c.MaxUnknownAcks
	}
	return cfg
}

// GetHeaders returns the header table or the firmware defaults.
func (c *LinkConfig) GetHeaders() protocol.Headers {
	if c.Headers == nil {
		return protocol.DefaultHeaders()
	}
	return *c.Headers
}

// GetProcessNoise returns the scale of the diagonal process noise Q.
func (c *LinkConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.1
	}
	return *c.ProcessNoise
}

// GetRateNoise returns the gyro noise floor added to the rate covariance.
// The default of 1 gives Qk = Q ⊙ (Wk·Wkᵀ) at rest, so the covariance never
// collapses while the board is still.
func (c *LinkConfig) GetRateNoise() float64 {
	if c.RateNoise == nil {
		return 1
	}
	return *c.RateNoise
}

// GetInitialCovariance returns ε, the scale of the covariance after a reset.
func (c *LinkConfig) GetInitialCovariance() float64 {
	if c.InitialCovariance == nil {
		return 1e-6
	}
	return *c.InitialCovariance
}

// GetFusionConfig returns the measurement model.
func (c *LinkConfig) GetFusionConfig() fusion.Config {
	cfg := fusion.DefaultConfig()
	if c.AccelVariance != nil {
		cfg.AccelVariance = *c.AccelVariance
	}
	if c.MagVariance != nil {
		cfg.MagVariance = *c.MagVariance
	}
	if c.NormaliseMagnetometer != nil {
		cfg.NormaliseMagnetometer = *c.NormaliseMagnetometer
	}
	if c.PairedUpdates != nil {
		cfg.Paired = *c.PairedUpdates
	}
	if c.AccelUpdateOnRate != nil {
		cfg.AccelUpdateOnRate = *c.AccelUpdateOnRate
	}
	cfg.PairWindow = durationOr(c.PairWindow, 20*time.Millisecond).Seconds()
	return cfg
}

// GetConverter returns the raw to SI converter.
func (c *LinkConfig) GetConverter() convert.Converter {
	conv := convert.New()
	if c.Gains != nil {
		conv.Gains = *c.Gains
	}
	bias := [3]float64{-0.1, 0.05, 0}
	if c.MagnetometerBias != nil {
		bias = *c.MagnetometerBias
	}
	conv.MagnetometerBias = r3.Vec{X: bias[0], Y: bias[1], Z: bias[2]}
	return conv
}

// GetSetup returns the register writes applied before measurements start.
func (c *LinkConfig) GetSetup() []bus.RegisterWrite {
	return append([]bus.RegisterWrite(nil), c.Setup...)
}

// GetDBPath returns the sqlite recording path. An empty path disables recording.
func (c *LinkConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "imu.db"
	}
	return *c.DBPath
}

// GetRecordSamples reports whether raw samples are recorded alongside estimates.
func (c *LinkConfig) GetRecordSamples() bool {
	if c.RecordSamples == nil {
		return true
	}
	return *c.RecordSamples
}

// GetListen returns the HTTP listen address.
func (c *LinkConfig) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}
