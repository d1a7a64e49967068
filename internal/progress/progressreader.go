package progress

import "io"

// Func receives the cumulative number of bytes read and the expected total (0 when unknown).
type Func func(read int64, total int64)

// Reader wraps an io.Reader and reports progress via a callback every interval bytes and once
// more when the wrapped reader is exhausted.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress Func

	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
	done           bool
}

func NewReader(r io.Reader, total int64, interval int64, cb Func) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if pr.OnProgress == nil {
		return n, err
	}

	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && !pr.done {
		pr.done = true
		if pr.lastReport > 0 || pr.totalRead == 0 {
			pr.OnProgress(pr.totalRead, pr.Total)
		}
	}

	return n, err
}

// BytesRead returns the cumulative number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}
