package codec

import (
	"errors"
	"io"
	"sync"
)

// ErrIncomplete is reported when a stream is closed before its end was read.
var ErrIncomplete = errors.New("stream closed before end of payload")

// Reader feeds every chunk read from the underlying stream into a Codec.
// At EOF it runs the codec check so a digest mismatch surfaces as the
// terminal read error instead of io.EOF.
type Reader struct {
	src       io.Reader
	codec     *Codec
	chunkSize int

	mu   sync.Mutex
	err  error
	end  bool
	done chan struct{}
}

// NewReader wraps src. Each Read consumes at most chunkSize bytes; a
// non-positive chunkSize leaves reads uncapped.
func NewReader(src io.Reader, c *Codec, chunkSize int) *Reader {
	return &Reader{
		src:       src,
		codec:     c,
		chunkSize: chunkSize,
		done:      make(chan struct{}),
	}
}

// Codec returns the transfer session this reader feeds.
func (r *Reader) Codec() *Codec {
	return r.codec
}

func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.end {
		err := r.err
		r.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	r.mu.Unlock()

	if r.chunkSize > 0 && len(p) > r.chunkSize {
		p = p[:r.chunkSize]
	}
	n, err := r.src.Read(p)
	if n > 0 {
		_, _ = r.codec.Write(p[:n])
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if cerr := r.codec.Check(); cerr != nil {
			r.finish(cerr)
			return n, cerr
		}
		r.finish(nil)
		return n, io.EOF
	default:
		r.codec.Fail()
		r.finish(err)
		return n, err
	}
}

// Close closes the underlying stream when it is an io.Closer. Closing before
// EOF ends the session with ErrIncomplete.
func (r *Reader) Close() error {
	r.finish(ErrIncomplete)
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Done is closed once the stream reached EOF, failed, or was closed.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal outcome: nil after a clean, verified EOF.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Complete reports whether the stream ended at a verified EOF.
func (r *Reader) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end && r.err == nil
}

func (r *Reader) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end {
		return
	}
	r.end = true
	r.err = err
	close(r.done)
}

// PumpError tells which side of a Pump failed.
type PumpError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *PumpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PumpError) Unwrap() error {
	return e.Err
}

// Pump copies src to dst one buffer at a time, calling flush (when non-nil)
// after each chunk is written. Chunks keep their read order.
func Pump(dst io.Writer, src io.Reader, buf []byte, flush func()) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			written += int64(wn)
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &PumpError{Op: "write", Err: werr}
			}
			if flush != nil {
				flush()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, &PumpError{Op: "read", Err: rerr}
		}
	}
}
