package progress

import "io"

// Writer writes sequential chunks at increasing offsets of an io.WriterAt and
// reports the bytes written since the last report through OnProgress.
// Reports are batched every reportInterval bytes; Flush reports the remainder.
type Writer struct {
	w              io.WriterAt
	offset         int64
	written        int64 // cumulative total
	pending        int64 // bytes since last report
	reportInterval int64
	onProgress     func(delta int64) error
}

func NewWriter(w io.WriterAt, offset, interval int64, cb func(delta int64) error) *Writer {
	return &Writer{
		w:              w,
		offset:         offset,
		reportInterval: interval,
		onProgress:     cb,
	}
}

// Write writes p at the current offset. The chunk is on disk before it is reported.
func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.WriteAt(p, pw.offset)
	if n > 0 {
		pw.offset += int64(n)
		pw.written += int64(n)
		pw.pending += int64(n)
	}

	if err != nil {
		return n, err
	}

	if pw.pending >= pw.reportInterval {
		if err := pw.Flush(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Flush reports any bytes written but not yet reported.
func (pw *Writer) Flush() error {
	if pw.pending == 0 {
		return nil
	}

	delta := pw.pending
	if err := pw.onProgress(delta); err != nil {
		return err
	}

	pw.pending = 0

	return nil
}

// Written returns the total number of bytes written.
func (pw *Writer) Written() int64 {
	return pw.written
}
