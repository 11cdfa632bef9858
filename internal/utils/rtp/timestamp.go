package rtputils

// TimestampUnwrapper extends 32-bit RTP timestamps into a running sample
// position that survives wraparound. The first timestamp maps to 0.
// Reordered packets map to positions before the newest one.
type TimestampUnwrapper struct {
	started bool
	last    uint32
	lastExt int64
}

func (u *TimestampUnwrapper) Unwrap(ts uint32) float64 {
	if !u.started {
		u.started = true
		u.last = ts
		u.lastExt = 0
		return 0
	}

	ext := u.lastExt + int64(int32(ts-u.last))
	if ext > u.lastExt {
		u.last = ts
		u.lastExt = ext
	}
	return float64(ext)
}

func (u *TimestampUnwrapper) Reset() {
	*u = TimestampUnwrapper{}
}
