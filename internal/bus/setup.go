package bus

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RegisterWrite sets one register during device setup. When Mask is set only
// the selected bits change; the rest are read first and written back as is.
type RegisterWrite struct {
	Addr  uint8  `json:"addr"`
	Reg   uint8  `json:"reg"`
	Value uint8  `json:"value"`
	Mask  *uint8 `json:"mask,omitempty"`
	Note  string `json:"note,omitempty"`
}

func (w RegisterWrite) mask() uint8 {
	if w.Mask == nil {
		return 0xFF
	}
	return *w.Mask
}

// MismatchError reports a register whose read-back value disagrees with the
// value written under its mask.
type MismatchError struct {
	Write RegisterWrite
	Got   uint8
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("register %s: wrote 0x%02X under mask 0x%02X, read back 0x%02X",
		Key{Addr: e.Write.Addr, Reg: e.Write.Reg}, e.Write.Value, e.Write.mask(), e.Got)
}

// ApplySetup performs writes and verifies each by reading it back. Writes to
// the same register happen in the order given; different registers are
// written concurrently. It returns the read-back values in the order of
// writes. The first failure cancels the remaining writes.
func ApplySetup(ctx context.Context, c *Correlator, writes []RegisterWrite) ([]byte, error) {
	order := make([]Key, 0, len(writes))
	byKey := make(map[Key][]int)
	for i, w := range writes {
		k := Key{Addr: w.Addr, Reg: w.Reg}
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	readback := make([]byte, len(writes))
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range order {
		indices := byKey[k]
		g.Go(func() error {
			for _, i := range indices {
				got, err := applyOne(ctx, c, writes[i])
				if err != nil {
					return err
				}
				readback[i] = got
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return readback, nil
}

func applyOne(ctx context.Context, c *Correlator, w RegisterWrite) (byte, error) {
	mask := w.mask()
	value := w.Value & mask
	if mask != 0xFF {
		old, err := c.Read(ctx, w.Addr, w.Reg, 1)
		if err != nil {
			return 0, err
		}
		value |= old[0] &^ mask
	}

	if _, err := c.Write(ctx, w.Addr, w.Reg, []byte{value}); err != nil {
		return 0, err
	}
	got, err := c.Read(ctx, w.Addr, w.Reg, 1)
	if err != nil {
		return 0, err
	}
	if got[0]&mask != w.Value&mask {
		return got[0], &MismatchError{Write: w, Got: got[0]}
	}
	return got[0], nil
}
