package gate

// Reslicer regroups a stream of samples into fixed-size windows. Samples that
// do not fill a window are kept for the next Push, so no sample is ever
// dropped or duplicated at a window boundary.
type Reslicer struct {
	size int
	buf  []int16
}

// NewReslicer returns a Reslicer producing windows of size samples.
func NewReslicer(size int) *Reslicer {
	return &Reslicer{size: size, buf: make([]int16, 0, size)}
}

// Push appends samples and returns every full window now available. Returned
// windows are freshly allocated and owned by the caller.
func (r *Reslicer) Push(samples []int16) [][]int16 {
	var out [][]int16
	for len(samples) > 0 {
		need := r.size - len(r.buf)
		if need > len(samples) {
			need = len(samples)
		}
		r.buf = append(r.buf, samples[:need]...)
		samples = samples[need:]
		if len(r.buf) == r.size {
			w := make([]int16, r.size)
			copy(w, r.buf)
			out = append(out, w)
			r.buf = r.buf[:0]
		}
	}
	return out
}

// Pending returns the number of buffered samples not yet part of a window.
func (r *Reslicer) Pending() int { return len(r.buf) }

// Size returns the window size.
func (r *Reslicer) Size() int { return r.size }

// Reset discards buffered samples.
func (r *Reslicer) Reset() { r.buf = r.buf[:0] }
