package timeline

// Timebase is the number of timestamp units per second (100 ns units).
const Timebase int64 = 10_000_000

// scale returns round(n * Timebase / rate). Every timestamp is recomputed
// from its counter so rounding never accumulates.
func scale(n uint64, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	r := int64(rate)
	return (int64(n)*Timebase + r/2) / r
}

// VideoTimestamp returns the presentation time of the n-th frame at fps.
func VideoTimestamp(n uint64, fps int) int64 {
	return scale(n, fps)
}

// VideoDuration returns the nominal duration of one frame at fps.
func VideoDuration(fps int) int64 {
	if fps <= 0 {
		return 0
	}
	return Timebase / int64(fps)
}

// AudioTimestamp returns the presentation time of the sample frame at
// position n for a stream declared at outputRate.
func AudioTimestamp(n uint64, outputRate int) int64 {
	return scale(n, outputRate)
}

// AudioDuration returns the duration of a batch of frames at outputRate.
func AudioDuration(frames uint32, outputRate int) int64 {
	if outputRate <= 0 {
		return 0
	}
	return int64(frames) * Timebase / int64(outputRate)
}
