package serialmux

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/williamyang98/QuaternionIMU/internal/monitoring"
	"github.com/williamyang98/QuaternionIMU/internal/protocol"
)

func TestHandlerTable_RegistrationOrder(t *testing.T) {
	table := newHandlerTable()
	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		table.add(0x01, rec.handler(name))
	}
	table.dispatch(protocol.Packet{Header: 0x01, Body: []byte{0xFF}})

	want := []string{"a [01] FF", "b [01] FF", "c [01] FF"}
	if diff := cmp.Diff(want, rec.got()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlerTable_FallbackOnlyForUnhandledHeaders(t *testing.T) {
	handled := monitoring.UnknownHeaders.WithLabelValues("handled")
	before := testutil.ToFloat64(handled)

	table := newHandlerTable()
	rec := &recorder{}
	table.add(0x03, rec.handler("imu"))
	table.addFallback(rec.handler("fallback"))

	table.dispatch(protocol.Packet{Header: 0x03})
	table.dispatch(protocol.Packet{Header: 0x06, Body: []byte("oops")})

	want := []string{"imu [03] ", "fallback [06] 6F 6F 70 73"}
	if diff := cmp.Diff(want, rec.got()); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(handled) - before; got != 1 {
		t.Errorf("handled counter advanced by %v, want 1", got)
	}
}

func TestHandlerTable_HandlerMayRegisterDuringDispatch(t *testing.T) {
	table := newHandlerTable()
	rec := &recorder{}
	table.add(0x05, func(pkt protocol.Packet) {
		table.add(0x05, rec.handler("late"))
	})

	table.dispatch(protocol.Packet{Header: 0x05})
	if len(rec.got()) != 0 {
		t.Errorf("handler added during dispatch ran in the same dispatch: %v", rec.got())
	}
	table.dispatch(protocol.Packet{Header: 0x05})
	if diff := cmp.Diff([]string{"late [05] "}, rec.got()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
