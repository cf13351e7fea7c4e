package bilibili

import "io"

// ProgressReader forwards at most Expected bytes from the wrapped reader and
// reports the cumulative count through OnBytes. Reports are coalesced: one
// whenever at least Every new bytes have passed, plus one at completion.
// A stream that ends early yields io.ErrUnexpectedEOF.
type ProgressReader struct {
	r        io.Reader
	expected int64
	every    int64
	onBytes  func(int64)

	read     int64
	reported int64
	done     bool
}

// NewProgressReader wraps r. A nil onBytes disables reporting.
func NewProgressReader(r io.Reader, expected, every int64, onBytes func(int64)) *ProgressReader {
	if every <= 0 {
		every = defaultProgressGap
	}
	return &ProgressReader{
		r:        io.LimitReader(r, expected),
		expected: expected,
		every:    every,
		onBytes:  onBytes,
	}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}

	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.read-p.reported >= p.every && p.read < p.expected {
			p.report()
		}
	}

	if p.read == p.expected && err == nil {
		err = io.EOF
	}
	if err == io.EOF {
		if p.read < p.expected {
			return n, io.ErrUnexpectedEOF
		}
		p.done = true
		p.report()
	}
	return n, err
}

// BytesRead is the number of bytes forwarded so far.
func (p *ProgressReader) BytesRead() int64 {
	return p.read
}

func (p *ProgressReader) report() {
	if p.onBytes == nil || p.reported == p.read {
		return
	}
	p.reported = p.read
	p.onBytes(p.read)
}
