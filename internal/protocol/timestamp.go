package protocol

// TimestampUnwrapper extends the device's 32-bit microsecond counter, which
// wraps roughly every 71 minutes, into a monotonic 64-bit count. Small
// reorderings between the sensor streams are tolerated: a step backwards of
// less than half the counter range is treated as reordering, not a wrap.
// The zero value is ready to use. It is not safe for concurrent use.
type TimestampUnwrapper struct {
	started bool
	last    uint32
	epoch   uint64
}

const halfRange = 1 << 31

// Unwrap returns the 64-bit microsecond count for a raw device timestamp.
func (u *TimestampUnwrapper) Unwrap(raw uint32) uint64 {
	if !u.started {
		u.started = true
		u.last = raw
		return uint64(raw)
	}

	switch {
	case raw < u.last && u.last-raw >= halfRange:
		// forward across the wrap
		u.epoch += 1 << 32
		u.last = raw
	case raw > u.last && raw-u.last >= halfRange && u.epoch >= 1<<32:
		// late sample from before the most recent wrap
		return u.epoch - (1 << 32) + uint64(raw)
	case raw > u.last:
		u.last = raw
	}
	return u.epoch + uint64(raw)
}

// Seconds converts an unwrapped microsecond count to seconds.
func Seconds(micros uint64) float64 {
	return float64(micros) * 1e-6
}

// Reset forgets the wrap history, for a new measurement run.
func (u *TimestampUnwrapper) Reset() {
	*u = TimestampUnwrapper{}
}
