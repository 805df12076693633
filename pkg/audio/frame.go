package audio

// FrameAssembler buffers decoded PCM and slices it into fixed-size frames
// matching the engine's step granularity. Frames come out exactly in arrival
// order; partial frames are never emitted, the remainder stays buffered.
type FrameAssembler struct {
	size int
	buf  []int16
}

// NewFrameAssembler creates an assembler producing frames of size samples.
func NewFrameAssembler(size int) *FrameAssembler {
	return &FrameAssembler{
		size: size,
		buf:  make([]int16, 0, size*4),
	}
}

// FrameSize returns the fixed frame size in samples.
func (a *FrameAssembler) FrameSize() int {
	return a.size
}

// Push appends newly decoded PCM to the internal buffer.
func (a *FrameAssembler) Push(pcm []int16) {
	a.buf = append(a.buf, pcm...)
}

// Next returns the oldest complete frame, or false when fewer than one
// frame's worth of samples is buffered. The returned slice is owned by the
// caller.
func (a *FrameAssembler) Next() ([]int16, bool) {
	if len(a.buf) < a.size {
		return nil, false
	}
	frame := make([]int16, a.size)
	copy(frame, a.buf[:a.size])
	n := copy(a.buf, a.buf[a.size:])
	a.buf = a.buf[:n]
	return frame, true
}

// Pending returns the number of buffered samples not yet forming a frame.
func (a *FrameAssembler) Pending() int {
	return len(a.buf)
}
