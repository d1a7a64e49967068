// Package hashstream computes the content hash that identifies an upload on the server.
//
// The digest is MD5 over the whole file, fed from fixed-size windows so memory use stays at one
// window plus hash state regardless of file size.
package hashstream

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"

	"github.com/italolelis/resumable_transfer/internal/progress"
)

// DefaultWindow is the read window used when none is configured.
const DefaultWindow = 2 << 20

type options struct {
	window     int
	total      int64
	onProgress progress.Func
}

// Option configures Digest.
type Option func(*options)

// WithWindow sets the read window size in bytes. Non-positive values keep the default.
func WithWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithProgress reports hashed bytes after every window.
func WithProgress(total int64, fn progress.Func) Option {
	return func(o *options) {
		o.total = total
		o.onProgress = fn
	}
}

// Digest reads r until EOF and returns the lowercase hex MD5 of its content. Read errors are
// returned unchanged; ctx is checked between windows.
func Digest(ctx context.Context, r io.Reader, opts ...Option) (string, error) {
	o := options{window: DefaultWindow}
	for _, opt := range opts {
		opt(&o)
	}

	if o.onProgress != nil {
		r = progress.NewReader(r, o.total, int64(o.window), o.onProgress)
	}

	h := md5.New()
	buf := make([]byte, o.window)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := fill(r, buf)
		if n > 0 {
			h.Write(buf[:n])
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// fill reads into buf until it is full or r fails. Only the source's own io.EOF ends the stream;
// any other error, io.ErrUnexpectedEOF included, is returned as is.
func fill(r io.Reader, buf []byte) (int, error) {
	var n int

	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}
