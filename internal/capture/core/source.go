package core

// Device is the lifecycle shared by every capture collaborator.
// Open acquires the device, Start/Stop toggle delivery, Close releases it.
// Close must be safe to call after a failed Open.
type Device interface {
	Open() error
	Start() error
	Stop() error
	Close() error
}

// VideoSource produces BGRA frames on demand.
type VideoSource interface {
	Device

	// Size returns the frame dimensions negotiated by Open.
	Size() (width, height int)

	// PollFrame returns the next frame without blocking.
	// A nil frame with a nil error means no frame is available.
	PollFrame() (*FrameUnit, error)
}

// AudioSource produces interleaved PCM.
type AudioSource interface {
	Device

	// Format returns the PCM format negotiated by Open.
	Format() AudioFormat

	// PollBuffer returns the buffered frames without blocking. The returned
	// slice belongs to the source and stays valid until ReleaseBuffer.
	// Zero frames with a nil error means nothing was buffered.
	PollBuffer() ([]byte, uint32, error)

	// ReleaseBuffer hands the frames returned by PollBuffer back to the source.
	ReleaseBuffer(frames uint32) error
}
