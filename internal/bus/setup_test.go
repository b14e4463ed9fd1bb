package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamyang98/QuaternionIMU/internal/protocol"
)

// fakeDevice answers bus commands from a register file. Registers listed in
// stuck ignore writes.
type fakeDevice struct {
	mu    sync.Mutex
	regs  map[Key]byte
	stuck map[Key]bool
	log   []string
}

func serve(t *testing.T, c *Correlator, sender *fakeSender, dev *fakeDevice) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case cmd := <-sender.cmds:
				dev.handle(c, cmd)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (d *fakeDevice) handle(c *Correlator, cmd []byte) {
	d.mu.Lock()
	key := Key{Addr: cmd[1], Reg: cmd[2]}
	switch cmd[0] {
	case protocol.CmdBusRead:
		v := d.regs[key]
		d.log = append(d.log, "r "+key.String())
		d.mu.Unlock()
		c.OnReadAck([]byte{key.Addr, key.Reg, 1, v})
	case protocol.CmdBusWrite:
		if !d.stuck[key] {
			d.regs[key] = cmd[4]
		}
		d.log = append(d.log, "w "+key.String())
		d.mu.Unlock()
		c.OnWriteAck([]byte{key.Addr, key.Reg, cmd[3]})
	default:
		d.mu.Unlock()
	}
}

func mask(m uint8) *uint8 { return &m }

func TestApplySetup_WritesAndVerifies(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	c := NewCorrelator(sender, Config{Timeout: time.Minute})
	defer c.Close()

	dev := &fakeDevice{regs: map[Key]byte{
		{0x68, 0x1B}: 0xE7,
		{0x68, 0x6B}: 0x40,
	}}
	defer serve(t, c, sender, dev)()

	writes := []RegisterWrite{
		{Addr: 0x68, Reg: 0x6B, Value: 0x00, Mask: mask(0x07)},
		{Addr: 0x68, Reg: 0x1B, Value: 0x18, Mask: mask(0x18)},
		{Addr: 0x1E, Reg: 0x00, Value: 0x78},
		{Addr: 0x1E, Reg: 0x01, Value: 0xE0},
	}
	got, err := ApplySetup(context.Background(), c, writes)
	require.NoError(t, err)

	// masked writes keep the bits outside the mask
	assert.Equal(t, []byte{0x40, 0xFF, 0x78, 0xE0}, got)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, byte(0x40), dev.regs[Key{0x68, 0x6B}])
	assert.Equal(t, byte(0xFF), dev.regs[Key{0x68, 0x1B}])
	assert.Equal(t, byte(0x78), dev.regs[Key{0x1E, 0x00}])
	assert.Empty(t, c.UnknownAcks())
}

func TestApplySetup_SameRegisterInOrder(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	c := NewCorrelator(sender, Config{Timeout: time.Minute})
	defer c.Close()

	dev := &fakeDevice{regs: map[Key]byte{}}
	defer serve(t, c, sender, dev)()

	writes := []RegisterWrite{
		{Addr: 0x68, Reg: 0x6B, Value: 0x80},
		{Addr: 0x68, Reg: 0x6B, Value: 0x01},
	}
	got, err := ApplySetup(context.Background(), c, writes)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x01}, got)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, byte(0x01), dev.regs[Key{0x68, 0x6B}])
	assert.Equal(t, []string{"w 0x68/0x6B", "r 0x68/0x6B", "w 0x68/0x6B", "r 0x68/0x6B"}, dev.log)
}

func TestApplySetup_ReadBackMismatch(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	c := NewCorrelator(sender, Config{Timeout: time.Minute})
	defer c.Close()

	dev := &fakeDevice{
		regs:  map[Key]byte{{0x1E, 0x01}: 0x20},
		stuck: map[Key]bool{{0x1E, 0x01}: true},
	}
	defer serve(t, c, sender, dev)()

	_, err := ApplySetup(context.Background(), c, []RegisterWrite{{Addr: 0x1E, Reg: 0x01, Value: 0xE0}})
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, byte(0x20), mismatch.Got)
	assert.Contains(t, err.Error(), "0x1E/0x01")
}

func TestApplySetup_Empty(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	c := NewCorrelator(sender, Config{})
	defer c.Close()

	got, err := ApplySetup(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	sender.none(t)
}

func TestApplySetup_TransportClosed(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(newFakeSender(), Config{})
	require.NoError(t, c.Close())

	_, err := ApplySetup(context.Background(), c, []RegisterWrite{{Addr: 0x1E, Reg: 0x00, Value: 0x78}})
	assert.ErrorIs(t, err, ErrTransportClosed)
}
