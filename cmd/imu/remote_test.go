package main

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamyang98/QuaternionIMU/internal/httputil"
)

const testServer = "http://imu.local:9090"

func TestStatusCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"measuring":true,"inertial_samples":5,"magnetic_samples":2,"invalid":1,"last_invalid":"02 68 69"}`).
		AddResponse(http.StatusOK, `{"quaternion":[1,0,0,0],"roll":1.5,"pitch":-2,"yaw":90,"units":"deg"}`)
	useClient(t, mock)

	out, err := execute(t, "status", "--server", testServer+"/")
	require.NoError(t, err)

	assert.Contains(t, out, "measuring: true")
	assert.Contains(t, out, "inertial=5 magnetic=2")
	assert.Contains(t, out, "last invalid: 02 68 69")
	assert.Contains(t, out, "quaternion: [1.0000 0.0000 0.0000 0.0000]")
	assert.Contains(t, out, "roll 1.5  pitch -2.0  yaw 90.0 (deg)")

	require.Equal(t, 2, mock.RequestCount())
	assert.Equal(t, "http://imu.local:9090/api/status", mock.GetRequest(0).URL.String())
	assert.Equal(t, "/api/orientation", mock.GetRequest(1).URL.Path)
	assert.Equal(t, "deg", mock.GetRequest(1).URL.Query().Get("units"))
}

func TestStatusCommand_Radians(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"measuring":false}`).
		AddResponse(http.StatusOK, `{"quaternion":[1,0,0,0],"roll":0,"pitch":0,"yaw":1.5708,"units":"rad"}`)
	useClient(t, mock)

	out, err := execute(t, "status", "--units", "rad", "--server", testServer)
	require.NoError(t, err)
	assert.Contains(t, out, "yaw 1.6 (rad)")
	assert.Equal(t, "rad", mock.GetRequest(1).URL.Query().Get("units"))
}

func TestStatusCommand_TransportError(t *testing.T) {
	useClient(t, httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused")))

	_, err := execute(t, "status", "--server", testServer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMeasureCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusAccepted, `{"measuring":false}`)
	useClient(t, mock)

	out, err := execute(t, "measure", "start", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "start requested (measuring: false)\n", out)

	req := mock.GetRequest(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/measurements/start", req.URL.Path)
}

func TestMeasureCommand_InvalidArg(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	useClient(t, mock)

	_, err := execute(t, "measure", "pause", "--server", testServer)
	assert.Error(t, err)
	assert.Zero(t, mock.RequestCount())
}

func TestCalibrateCommand(t *testing.T) {
	t.Run("show", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().
			AddResponse(http.StatusOK, `{"calibrating":true,"buffers":{"accel":3,"magnetic":1,"rate":3}}`)
		useClient(t, mock)

		out, err := execute(t, "calibrate", "--server", testServer)
		require.NoError(t, err)
		assert.Contains(t, out, `"calibrating": true`)
		assert.Contains(t, out, `"accel": 3`)
		assert.Equal(t, http.MethodGet, mock.GetRequest(0).Method)
	})

	t.Run("on", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"calibrating":true}`)
		useClient(t, mock)

		_, err := execute(t, "calibrate", "on", "--server", testServer)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, mock.GetRequest(0).Method)
		assert.JSONEq(t, `{"calibrating":true}`, mock.Bodies[0])
	})

	t.Run("off before samples", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().
			AddResponse(http.StatusConflict, `{"error":"calibration buffers are empty"}`)
		useClient(t, mock)

		_, err := execute(t, "calibrate", "off", "--server", testServer)
		var apiErr *httputil.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
		assert.JSONEq(t, `{"calibrating":false}`, mock.Bodies[0])
	})
}

func TestBusReadCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"addr":104,"reg":117,"data":"68"}`).
		AddResponse(http.StatusOK, `{"addr":30,"reg":3,"data":"00 10 FF F0 00 01"}`)
	useClient(t, mock)

	out, err := execute(t, "bus", "read", "0x68", "0x75", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "0x68/0x75: 68\n", out)
	assert.JSONEq(t, `{"addr":104,"reg":117,"n":1}`, mock.Bodies[0])
	assert.Equal(t, "/api/bus/read", mock.GetRequest(0).URL.Path)

	out, err = execute(t, "bus", "read", "30", "3", "6", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "0x1E/0x03: 00 10 FF F0 00 01\n", out)
	assert.JSONEq(t, `{"addr":30,"reg":3,"n":6}`, mock.Bodies[1])
}

func TestBusReadCommand_InvalidArgs(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	useClient(t, mock)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"address out of range", []string{"0x168", "0"}, "invalid address"},
		{"bad register", []string{"0x68", "reg"}, "invalid register"},
		{"zero count", []string{"0x68", "0x75", "0"}, "at least 1"},
		{"count out of range", []string{"0x68", "0x75", "300"}, "invalid count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"bus", "read"}, tt.args...)
			_, err := execute(t, append(args, "--server", testServer)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Zero(t, mock.RequestCount())
}

func TestBusReadCommand_Timeout(t *testing.T) {
	useClient(t, httputil.NewMockHTTPClient().
		AddResponse(http.StatusGatewayTimeout, `{"error":"bus: request timed out"}`))

	_, err := execute(t, "bus", "read", "0x68", "0x75", "--server", testServer)
	var apiErr *httputil.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.StatusCode)
	assert.Equal(t, "bus: request timed out", apiErr.Message)
}

func TestBusWriteCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"addr":30,"reg":0,"written":2}`)
	useClient(t, mock)

	out, err := execute(t, "bus", "write", "0x1E", "0x00", "78", "20", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "0x1E/0x00: wrote 2 byte(s)\n", out)
	assert.JSONEq(t, `{"addr":30,"reg":0,"data":"78 20"}`, mock.Bodies[0])
}

func TestBusWriteCommand_BadHex(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	useClient(t, mock)

	_, err := execute(t, "bus", "write", "0x1E", "0x00", "zz", "--server", testServer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid data")
	assert.Zero(t, mock.RequestCount())
}

func TestBusUnknownCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `[]`).
		AddResponse(http.StatusOK, `[{"time":"2026-03-01T10:00:00Z","op":"read","body":"aB51AA==","reason":"no outstanding request"}]`)
	useClient(t, mock)

	out, err := execute(t, "bus", "unknown", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "no unknown acknowledgements\n", out)

	out, err = execute(t, "bus", "unknown", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T10:00:00Z read  68 1E 75 00  no outstanding request\n", out)
}

func TestBusResetCommand(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusNoContent, "")
	useClient(t, mock)

	out, err := execute(t, "bus", "reset", "--server", testServer)
	require.NoError(t, err)
	assert.Equal(t, "bus reset\n", out)
	assert.Equal(t, http.MethodPost, mock.GetRequest(0).Method)
	assert.Equal(t, "/api/bus/reset", mock.GetRequest(0).URL.Path)
}

func TestRemote_EmptyServer(t *testing.T) {
	_, err := execute(t, "status", "--server", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--server")
}
