package bilibili

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Page is one sub-part of a multi-part recording.
type Page struct {
	StreamID int64
	Number   int
	Title    string
	Duration time.Duration
}

// VideoMeta is the subset of the video lookup the archiver needs.
type VideoMeta struct {
	VideoID     string
	Title       string
	OwnerID     int64
	PublishedAt time.Time
	Pages       []Page
}

// AudioStream is a concrete, time-limited audio URL with its declared size.
type AudioStream struct {
	URL           string
	ContentLength int64
	Bandwidth     int64
	Codecs        string
}

type viewData struct {
	BVID    string `json:"bvid"`
	Title   string `json:"title"`
	PubDate int64  `json:"pubdate"`
	Owner   struct {
		Mid int64 `json:"mid"`
	} `json:"owner"`
	Pages []struct {
		CID      int64  `json:"cid"`
		Page     int    `json:"page"`
		Part     string `json:"part"`
		Duration int64  `json:"duration"`
	} `json:"pages"`
}

type dashAudio struct {
	ID         int64    `json:"id"`
	BaseURL    string   `json:"baseUrl"`
	BaseURLAlt string   `json:"base_url"`
	BackupURL  []string `json:"backupUrl"`
	BackupAlt  []string `json:"backup_url"`
	Bandwidth  int64    `json:"bandwidth"`
	Codecs     string   `json:"codecs"`
}

func (a dashAudio) urls() []string {
	all := []string{a.BaseURL, a.BaseURLAlt}
	all = append(all, a.BackupURL...)
	all = append(all, a.BackupAlt...)

	out := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for _, u := range all {
		if _, dup := seen[u]; u == "" || dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

type playData struct {
	Dash *struct {
		Audio []dashAudio `json:"audio"`
	} `json:"dash"`
}

// ResolveVideoMeta looks up the pages of a video. A platform-side failure is
// returned as *APIError.
func (c *Client) ResolveVideoMeta(ctx context.Context, videoID string) (*VideoMeta, error) {
	query := url.Values{}
	setVideoParam(query, videoID)

	var data viewData
	if err := c.getJSON(ctx, "/x/web-interface/view", query, "", true, &data); err != nil {
		return nil, fmt.Errorf("resolve video %s: %w", videoID, err)
	}

	meta := &VideoMeta{
		VideoID:     videoID,
		Title:       data.Title,
		OwnerID:     data.Owner.Mid,
		PublishedAt: time.Unix(data.PubDate, 0).UTC(),
		Pages:       make([]Page, 0, len(data.Pages)),
	}
	for _, p := range data.Pages {
		meta.Pages = append(meta.Pages, Page{
			StreamID: p.CID,
			Number:   p.Page,
			Title:    p.Part,
			Duration: time.Duration(p.Duration) * time.Second,
		})
	}
	return meta, nil
}

// ResolveAudioURL selects the first audio representation of the page's
// adaptive stream and probes its content length.
func (c *Client) ResolveAudioURL(ctx context.Context, videoID string, streamID int64, keys Keys) (*AudioStream, error) {
	query := url.Values{}
	setVideoParam(query, videoID)
	query.Set("cid", strconv.FormatInt(streamID, 10))
	query.Set("fnval", "16")
	query.Set("fourk", "1")

	signed, err := Sign(query, keys, c.now())
	if err != nil {
		return nil, fmt.Errorf("sign playurl request: %w", err)
	}

	var data playData
	err = c.getJSON(ctx, "/x/player/wbi/playurl", nil, signed, true, &data)
	switch {
	case isAPICode(err, -101):
		return nil, fmt.Errorf("resolve audio %s/%d: %w: %v", videoID, streamID, ErrAuth, err)
	case err != nil:
		return nil, fmt.Errorf("resolve audio %s/%d: %w", videoID, streamID, err)
	}
	if data.Dash == nil || len(data.Dash.Audio) == 0 {
		return nil, fmt.Errorf("resolve audio %s/%d: %w", videoID, streamID, ErrNoAudioStream)
	}

	audio := data.Dash.Audio[0]
	candidates := audio.urls()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("resolve audio %s/%d: %w", videoID, streamID, ErrNoAudioStream)
	}

	var lastErr error
	for _, candidate := range candidates {
		length, err := c.probeLength(ctx, candidate)
		if err == nil {
			return &AudioStream{
				URL:           candidate,
				ContentLength: length,
				Bandwidth:     audio.Bandwidth,
				Codecs:        audio.Codecs,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("audio url probe failed",
			zap.String("video_id", videoID),
			zap.Int64("stream_id", streamID),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, fmt.Errorf("resolve audio %s/%d: %w", videoID, streamID, lastErr)
}

const probeAttempts = 3

// probeLength asks the CDN for the object's size, retrying a few times
// before giving up with ErrLengthUnknown.
func (c *Client) probeLength(ctx context.Context, rawURL string) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond

	length, err := backoff.Retry(ctx, func() (int64, error) {
		n, err := c.probeOnce(ctx, rawURL)
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.StatusCode >= 400 && fetchErr.StatusCode < 500 {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(probeAttempts))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrLengthUnknown, err)
	}
	return length, nil
}

// probeOnce tries HEAD first and falls back to a one-byte ranged GET, whose
// Content-Range carries the total.
func (c *Client) probeOnce(ctx context.Context, rawURL string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.apiTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build probe request: %w", err))
	}
	c.setHeaders(req, false)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	if resp.StatusCode != http.StatusMethodNotAllowed && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return 0, &FetchError{StatusCode: resp.StatusCode}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build probe request: %w", err))
	}
	c.setHeaders(req, false)
	req.Header.Set("Range", "bytes=0-0")
	resp, err = c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10)) //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, nil
		}
	case http.StatusOK:
		if resp.ContentLength > 0 {
			return resp.ContentLength, nil
		}
	default:
		return 0, &FetchError{StatusCode: resp.StatusCode}
	}
	return 0, errors.New("no content length declared")
}

// parseContentRangeTotal parses "bytes 0-0/12345".
func parseContentRangeTotal(header string) (int64, bool) {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func setVideoParam(query url.Values, videoID string) {
	if strings.HasPrefix(strings.ToUpper(videoID), "BV") {
		query.Set("bvid", videoID)
		return
	}
	query.Set("aid", strings.TrimPrefix(strings.ToLower(videoID), "av"))
}
