package bilibili

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetch performs an authenticated ranged GET for the inclusive range
// [start, end]. The returned body reports cumulative bytes to onBytes and
// turns transport failures and short bodies into *FetchError.
func (c *Client) Fetch(ctx context.Context, rawURL string, start, end int64, onBytes func(int64)) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("fetch: invalid range %d-%d", start, end)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	c.setHeaders(req, true)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Start: start, End: end, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && start == 0:
		// Range ignored; the LimitReader inside ProgressReader trims the tail.
	default:
		resp.Body.Close()
		return nil, &FetchError{StatusCode: resp.StatusCode, Start: start, End: end}
	}

	size := end - start + 1
	return &rangeBody{
		ProgressReader: NewProgressReader(resp.Body, size, c.progressEvery, onBytes),
		body:           resp.Body,
		start:          start,
		end:            end,
	}, nil
}

type rangeBody struct {
	*ProgressReader
	body       io.Closer
	start, end int64
}

func (b *rangeBody) Read(p []byte) (int, error) {
	n, err := b.ProgressReader.Read(p)
	if err != nil && err != io.EOF {
		err = &FetchError{Start: b.start, End: b.end, Err: err}
	}
	return n, err
}

func (b *rangeBody) Close() error {
	return b.body.Close()
}
