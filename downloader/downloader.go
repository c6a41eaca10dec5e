package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type GetOptions struct {
	// Bodies larger than this fail with ErrTooLarge. Zero means no
	// limit.
	MaxSize int
	Timeout time.Duration
}

var ErrTooLarge = errors.New("body too large")

// A thing capable of downloading a file.
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// Returned when the server responds with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int

	// Parsed from the Retry-After header, if any.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d from %s", e.StatusCode, e.URL)
}

// HTTP implements Downloader on top of a http.Client. Each request gets
// its own deadline from GetOptions.Timeout.
type HTTP struct {
	Client    *http.Client
	UserAgent string
}

func NewHTTP() *HTTP {
	return &HTTP{
		Client:    &http.Client{},
		UserAgent: "ovapi-go",
	}
}

func (d *HTTP) Get(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	h := map[string]string{}
	if d.UserAgent != "" {
		h["User-Agent"] = d.UserAgent
	}
	for k, v := range headers {
		h[k] = v
	}
	return httpGet(ctx, d.Client, url, h, options)
}

func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string, options GetOptions) ([]byte, error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := readLimited(resp.Body, options.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return body, nil
}

// Reads at most maxSize bytes, plus one to detect overflow.
func readLimited(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, maxSize)
	}

	return body, nil
}

// Retry-After is either delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
