package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/convert"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaudRate == nil || *cfg.BaudRate != 38400 {
		t.Errorf("Expected BaudRate 38400, got %v", cfg.BaudRate)
	}
	if cfg.PairWindow == nil || *cfg.PairWindow != "20ms" {
		t.Errorf("Expected PairWindow '20ms', got %v", cfg.PairWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}

	if cfg.GetProcessNoise() != 0.1 {
		t.Errorf("GetProcessNoise() = %f, want 0.1", cfg.GetProcessNoise())
	}
	if cfg.GetRateNoise() != 1 {
		t.Errorf("GetRateNoise() = %f, want 1", cfg.GetRateNoise())
	}
	if cfg.GetInitialCovariance() != 1e-6 {
		t.Errorf("GetInitialCovariance() = %g, want 1e-6", cfg.GetInitialCovariance())
	}
}

func TestEmptyConfigMatchesDefaults(t *testing.T) {
	empty := EmptyConfig()
	def := DefaultConfig()

	if empty.GetPort() != def.GetPort() {
		t.Errorf("GetPort() = %q, want %q", empty.GetPort(), def.GetPort())
	}
	if empty.GetPollInterval() != def.GetPollInterval() {
		t.Errorf("GetPollInterval() = %s, want %s", empty.GetPollInterval(), def.GetPollInterval())
	}
	if empty.GetBusConfig() != def.GetBusConfig() {
		t.Errorf("GetBusConfig() = %+v, want %+v", empty.GetBusConfig(), def.GetBusConfig())
	}
	if empty.GetHeaders() != def.GetHeaders() {
		t.Errorf("GetHeaders() = %+v, want %+v", empty.GetHeaders(), def.GetHeaders())
	}
	if empty.GetFusionConfig() != def.GetFusionConfig() {
		t.Errorf("GetFusionConfig() = %+v, want %+v", empty.GetFusionConfig(), def.GetFusionConfig())
	}
	if empty.GetConverter() != def.GetConverter() {
		t.Errorf("GetConverter() = %+v, want %+v", empty.GetConverter(), def.GetConverter())
	}
	emptyPort, errA := empty.GetPortOptions().Normalize()
	defPort, errB := def.GetPortOptions().Normalize()
	if errA != nil || errB != nil || emptyPort != defPort {
		t.Errorf("GetPortOptions() = %+v, want %+v", empty.GetPortOptions(), def.GetPortOptions())
	}
	if empty.GetDBPath() != "imu.db" || empty.GetListen() != ":8080" {
		t.Errorf("unexpected db path %q or listen %q", empty.GetDBPath(), empty.GetListen())
	}
	if !empty.GetRecordSamples() {
		t.Error("sample recording should default to on")
	}
	if len(empty.GetSetup()) != 0 {
		t.Errorf("GetSetup() = %+v, want none", empty.GetSetup())
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "link.json")

	testJSON := `{
  "port": "/dev/ttyACM1",
  "baud_rate": 115200,
  "parity": "even",
  "bus_timeout": "250ms",
  "paired_updates": true,
  "pair_window": "5ms",
  "mag_variance": 0.02,
  "gains": {"magnetometer": 230, "accelerometer": 2048, "gyroscope": 16.4},
  "magnetometer_bias": [0.1, 0.2, 0.3],
  "headers": {"magnetic": 17, "not_ready": 2, "inertial": 3, "start_ack": 4, "stop_ack": 5, "invalid": 6, "read_ack": 7, "write_ack": 8}
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetPort() != "/dev/ttyACM1" {
		t.Errorf("GetPort() = %q", cfg.GetPort())
	}
	opts, err := cfg.GetPortOptions().Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := serialmux.PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}
	if opts != want {
		t.Errorf("GetPortOptions() = %+v, want %+v", opts, want)
	}
	if got := cfg.GetBusConfig().Timeout; got != 250*time.Millisecond {
		t.Errorf("bus timeout = %s, want 250ms", got)
	}

	fc := cfg.GetFusionConfig()
	if !fc.Paired || fc.PairWindow != 0.005 || fc.MagVariance != 0.02 {
		t.Errorf("GetFusionConfig() = %+v", fc)
	}
	if fc.AccelVariance != 0.1 {
		t.Errorf("unset AccelVariance = %f, want default 0.1", fc.AccelVariance)
	}

	conv := cfg.GetConverter()
	if conv.Gains != (convert.Gains{Magnetometer: 230, Accelerometer: 2048, Gyroscope: 16.4}) {
		t.Errorf("Gains = %+v", conv.Gains)
	}
	if conv.MagnetometerBias != (r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}) {
		t.Errorf("MagnetometerBias = %+v", conv.MagnetometerBias)
	}
	if cfg.GetHeaders().Magnetic != 0x11 {
		t.Errorf("Headers.Magnetic = 0x%02X, want 0x11", cfg.GetHeaders().Magnetic)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadConfigWrongExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "link.yaml")
	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected error for non-.json file, got nil")
	}
}

func TestLoadConfigTooLarge(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "big.json")
	if err := os.WriteFile(configPath, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected error for oversized file, got nil")
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "process_noise": "invalid"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	def := DefaultConfig()
	if cfg.GetFusionConfig() != def.GetFusionConfig() {
		t.Errorf("defaults file fusion = %+v, want %+v", cfg.GetFusionConfig(), def.GetFusionConfig())
	}
	if cfg.GetConverter() != def.GetConverter() {
		t.Errorf("defaults file converter = %+v, want %+v", cfg.GetConverter(), def.GetConverter())
	}
	if cfg.GetHeaders() != protocol.DefaultHeaders() {
		t.Errorf("defaults file headers = %+v", cfg.GetHeaders())
	}
}

func TestValidate(t *testing.T) {
	dup := protocol.DefaultHeaders()
	dup.ReadAck = dup.WriteAck

	tests := []struct {
		name    string
		cfg     *LinkConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty config is valid",
			cfg:     &LinkConfig{},
			wantErr: false,
		},
		{
			name:    "bad parity",
			cfg:     &LinkConfig{Parity: ptrString("mark")},
			wantErr: true,
		},
		{
			name:    "bad data bits",
			cfg:     &LinkConfig{DataBits: ptrInt(9)},
			wantErr: true,
		},
		{
			name:    "invalid bus timeout",
			cfg:     &LinkConfig{BusTimeout: ptrString("soon")},
			wantErr: true,
		},
		{
			name:    "negative pair window",
			cfg:     &LinkConfig{PairWindow: ptrString("-5ms")},
			wantErr: true,
		},
		{
			name:    "zero unknown ack cap",
			cfg:     &LinkConfig{MaxUnknownAcks: ptrInt(0)},
			wantErr: true,
		},
		{
			name:    "duplicate headers",
			cfg:     &LinkConfig{Headers: &dup},
			wantErr: true,
		},
		{
			name:    "negative process noise",
			cfg:     &LinkConfig{ProcessNoise: ptrFloat64(-1)},
			wantErr: true,
		},
		{
			name:    "zero initial covariance",
			cfg:     &LinkConfig{InitialCovariance: ptrFloat64(0)},
			wantErr: true,
		},
		{
			name:    "zero gain",
			cfg:     &LinkConfig{Gains: &convert.Gains{Magnetometer: 1090, Accelerometer: 0, Gyroscope: 131}},
			wantErr: true,
		},
		{
			name:    "setup mask selects nothing",
			cfg:     &LinkConfig{Setup: []bus.RegisterWrite{{Addr: 0x68, Reg: 0x1B, Value: 0x18, Mask: new(uint8)}}},
			wantErr: true,
		},
		{
			name:    "normalise disabled is valid",
			cfg:     &LinkConfig{NormaliseMagnetometer: ptrBool(false)},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetPollInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *LinkConfig
		want time.Duration
	}{
		{"nil uses default", &LinkConfig{}, serialmux.DefaultPollInterval},
		{"empty uses default", &LinkConfig{PollInterval: ptrString("")}, serialmux.DefaultPollInterval},
		{"parsed", &LinkConfig{PollInterval: ptrString("2ms")}, 2 * time.Millisecond},
		{"parse error uses default", &LinkConfig{PollInterval: ptrString("often")}, serialmux.DefaultPollInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetPollInterval(); got != tt.want {
				t.Errorf("GetPollInterval() = %s, want %s", got, tt.want)
			}
		})
	}
}
