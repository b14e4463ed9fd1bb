package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/williamyang98/QuaternionIMU/internal/api"
	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/httputil"
	"github.com/williamyang98/QuaternionIMU/internal/imu"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
	"github.com/williamyang98/QuaternionIMU/internal/units"
)

const remoteTimeout = 10 * time.Second

// remote talks to the API of a running link.
type remote struct {
	base   string
	client httputil.Doer
}

// newHTTPClient is replaced in tests.
var newHTTPClient = func() httputil.Doer {
	return &http.Client{Timeout: remoteTimeout}
}

func remoteFor(cmd *cobra.Command) (*remote, error) {
	base, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return nil, fmt.Errorf("--server must not be empty")
	}
	return &remote{base: base, client: newHTTPClient()}, nil
}

func (r *remote) do(ctx context.Context, method, path string, in, out interface{}) error {
	return httputil.DoJSON(ctx, r.client, method, r.base+path, in, out)
}

func (r *remote) Status(ctx context.Context) (imu.Status, error) {
	var s imu.Status
	err := r.do(ctx, http.MethodGet, "/api/status", nil, &s)
	return s, err
}

func (r *remote) Orientation(ctx context.Context, unit string) (api.Orientation, error) {
	var o api.Orientation
	err := r.do(ctx, http.MethodGet, "/api/orientation?units="+url.QueryEscape(unit), nil, &o)
	return o, err
}

func (r *remote) Measure(ctx context.Context, start bool) (imu.Status, error) {
	path := "/api/measurements/stop"
	if start {
		path = "/api/measurements/start"
	}
	var s imu.Status
	err := r.do(ctx, http.MethodPost, path, nil, &s)
	return s, err
}

func (r *remote) Calibration(ctx context.Context) (api.CalibrationStatus, error) {
	var c api.CalibrationStatus
	err := r.do(ctx, http.MethodGet, "/api/calibration", nil, &c)
	return c, err
}

func (r *remote) SetCalibrating(ctx context.Context, on bool) (api.CalibrationStatus, error) {
	var c api.CalibrationStatus
	err := r.do(ctx, http.MethodPost, "/api/calibration", api.CalibrationRequest{Calibrating: &on}, &c)
	return c, err
}

func (r *remote) BusRead(ctx context.Context, addr, reg, n uint8) (api.BusReadResponse, error) {
	var resp api.BusReadResponse
	err := r.do(ctx, http.MethodPost, "/api/bus/read", api.BusReadRequest{Addr: addr, Reg: reg, N: n}, &resp)
	return resp, err
}

func (r *remote) BusWrite(ctx context.Context, addr, reg uint8, data []byte) (api.BusWriteResponse, error) {
	var resp api.BusWriteResponse
	err := r.do(ctx, http.MethodPost, "/api/bus/write", api.BusWriteRequest{Addr: addr, Reg: reg, Data: data}, &resp)
	return resp, err
}

func (r *remote) UnknownAcks(ctx context.Context) ([]bus.UnknownAck, error) {
	var acks []bus.UnknownAck
	err := r.do(ctx, http.MethodGet, "/api/bus/unknown", nil, &acks)
	return acks, err
}

func (r *remote) ResetBus(ctx context.Context) error {
	return r.do(ctx, http.MethodPost, "/api/bus/reset", nil, nil)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseByte accepts decimal or 0x-prefixed hex.
func parseByte(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be 0-255 or 0x00-0xFF", name, s)
	}
	return uint8(v), nil
}

func newStatusCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show link counters and the current orientation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			status, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			orientation, err := r.Orientation(cmd.Context(), unit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "measuring: %v  calibrating: %v\n", status.Measuring, status.Calibrating)
			fmt.Fprintf(out, "samples: inertial=%d magnetic=%d malformed=%d not_ready=%d invalid=%d\n",
				status.InertialSamples, status.MagneticSamples, status.Malformed, status.NotReady, status.Invalid)
			if status.LastInvalid != "" {
				fmt.Fprintf(out, "last invalid: %s\n", status.LastInvalid)
			}
			q := orientation.Quaternion
			fmt.Fprintf(out, "quaternion: [%.4f %.4f %.4f %.4f]\n", q[0], q[1], q[2], q[3])
			fmt.Fprintf(out, "roll %.1f  pitch %.1f  yaw %.1f (%s)\n", orientation.Roll, orientation.Pitch, orientation.Yaw, orientation.Units)
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "units", units.Degrees, "angle units: "+units.GetValidUnitsString())
	return cmd
}

func newMeasureCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "measure start|stop",
		Short:     "start or stop the sample stream",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"start", "stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			status, err := r.Measure(cmd.Context(), args[0] == "start")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested (measuring: %v)\n", args[0], status.Measuring)
			return nil
		},
	}
}

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate [on|off]",
		Short: "show or switch calibration mode",
		Long: `calibrate with no argument prints the calibration state and reference vectors.
"on" starts buffering samples; "off" averages them into new references and
resumes tracking. Leaving calibration fails until both buffers hold samples.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			var status api.CalibrationStatus
			if len(args) == 0 {
				status, err = r.Calibration(cmd.Context())
			} else {
				status, err = r.SetCalibrating(cmd.Context(), args[0] == "on")
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newBusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "read and write device registers through a running link",
	}

	read := &cobra.Command{
		Use:     "read ADDR REG [N]",
		Short:   "read N bytes (default 1) starting at REG",
		Example: "  imu bus read 0x68 0x75\n  imu bus read 0x1E 0x03 6",
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseByte("address", args[0])
			if err != nil {
				return err
			}
			reg, err := parseByte("register", args[1])
			if err != nil {
				return err
			}
			n := uint8(1)
			if len(args) == 3 {
				if n, err = parseByte("count", args[2]); err != nil {
					return err
				}
				if n == 0 {
					return fmt.Errorf("count must be at least 1")
				}
			}
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			resp, err := r.BusRead(cmd.Context(), addr, reg, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: % X\n", bus.Key{Addr: resp.Addr, Reg: resp.Reg}, []byte(resp.Data))
			return nil
		},
	}

	write := &cobra.Command{
		Use:     "write ADDR REG HEX...",
		Short:   "write bytes starting at REG",
		Example: "  imu bus write 0x68 0x6B 00\n  imu bus write 0x1E 0x00 \"78 20\"",
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseByte("address", args[0])
			if err != nil {
				return err
			}
			reg, err := parseByte("register", args[1])
			if err != nil {
				return err
			}
			data, err := serialmux.ParseHexCommand(strings.Join(args[2:], " "))
			if err != nil {
				return fmt.Errorf("invalid data: %w", err)
			}
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			resp, err := r.BusWrite(cmd.Context(), addr, reg, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %d byte(s)\n", bus.Key{Addr: resp.Addr, Reg: resp.Reg}, resp.Written)
			return nil
		},
	}

	unknown := &cobra.Command{
		Use:   "unknown",
		Short: "list acknowledgements that matched no request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			acks, err := r.UnknownAcks(cmd.Context())
			if err != nil {
				return err
			}
			if len(acks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no unknown acknowledgements")
				return nil
			}
			for _, a := range acks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s % X  %s\n", a.Time.Format(time.RFC3339), a.Op, a.Body, a.Reason)
			}
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "fail outstanding requests and clear the unknown list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := remoteFor(cmd)
			if err != nil {
				return err
			}
			if err := r.ResetBus(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "bus reset")
			return nil
		},
	}

	cmd.AddCommand(read, write, unknown, reset)
	return cmd
}
