package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/italolelis/segment_downloader/internal/transfer/progress"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	defaultReportInterval = 256 * 1024 // 256KB
)

// Range is the part of a remote file a worker fetches. End is exclusive.
type Range struct {
	URL   string
	Name  string
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// ProgressFunc receives the number of bytes written to the target since the previous call.
// It is called on a context that is not cancelled with the fetch, so a checkpoint is
// always persisted for bytes that already reached the disk.
type ProgressFunc func(ctx context.Context, delta int64) error

// Fetcher performs the network transfer of one range. It must return promptly once ctx is done.
type Fetcher interface {
	Fetch(ctx context.Context, r Range, onProgress ProgressFunc) error
}

// HTTPFetcher fetches ranges with HTTP range requests and writes them at their
// offset into a file named after the download inside dir.
type HTTPFetcher struct {
	client         *http.Client
	dir            string
	reportInterval int64
	userAgent      string
}

// HTTPFetcherOption configures an HTTPFetcher.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithReportInterval sets how many bytes are written between two progress reports.
func WithReportInterval(n int64) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.reportInterval = n
		}
	}
}

// WithUserAgent sets the User-Agent header of range requests.
func WithUserAgent(ua string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

func NewHTTPFetcher(dir string, opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:         &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		dir:            dir,
		reportInterval: defaultReportInterval,
		userAgent:      "segment_downloader",
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FileName returns the name of the file a download of url called name is written to.
// The url hash prefix keeps downloads that share a display name apart.
func FileName(url, name string) string {
	sum := sha256.Sum256([]byte(url))
	prefix := hex.EncodeToString(sum[:])[:16]

	base := filepath.Base(name)
	if name == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return prefix
	}

	return prefix + "-" + base
}

// TargetPath returns the file a download of url called name is written to.
func (f *HTTPFetcher) TargetPath(url, name string) string {
	return filepath.Join(f.dir, FileName(url, name))
}

// Fetch downloads r and writes it at r.Start of the target file.
func (f *HTTPFetcher) Fetch(ctx context.Context, r Range, onProgress ProgressFunc) error {
	if r.Len() <= 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &NetworkError{Operation: "fetch_range", URL: r.URL, Message: err.Error(), Err: err}
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && r.Start == 0:
		// Server ignored the Range header; the body starts at offset 0 so the prefix is still usable.
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return &RangeError{URL: r.URL, Start: r.Start, End: r.End, StatusCode: resp.StatusCode}
	default:
		return &NetworkError{Operation: "fetch_range", URL: r.URL, StatusCode: resp.StatusCode, Message: resp.Status}
	}

	out, err := f.openTarget(r.URL, r.Name)
	if err != nil {
		return err
	}

	defer out.Close()

	// Progress is persisted on a context detached from cancellation: bytes already on disk
	// must be checkpointed even when the worker is being stopped.
	persistCtx := context.WithoutCancel(ctx)

	// The first persist failure wins, a later successful flush does not clear it.
	var persistErr error

	pw := progress.NewWriter(out, r.Start, f.reportInterval, func(delta int64) error {
		err := onProgress(persistCtx, delta)
		if err != nil && persistErr == nil {
			persistErr = err
		}

		return err
	})

	_, copyErr := io.Copy(pw, io.LimitReader(resp.Body, r.Len()))

	if err := pw.Flush(); err != nil && persistErr == nil {
		persistErr = err
	}

	if persistErr != nil {
		return fmt.Errorf("failed to persist progress: %w", persistErr)
	}

	if copyErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var pathErr *os.PathError
		if errors.As(copyErr, &pathErr) {
			return fmt.Errorf("failed to write target file: %w", copyErr)
		}

		return &NetworkError{Operation: "read_body", URL: r.URL, Message: copyErr.Error(), Err: copyErr}
	}

	if pw.Written() < r.Len() {
		return &NetworkError{
			Operation: "read_body",
			URL:       r.URL,
			Message:   fmt.Sprintf("body ended after %d of %d bytes", pw.Written(), r.Len()),
			Err:       io.ErrUnexpectedEOF,
		}
	}

	return nil
}

func (f *HTTPFetcher) openTarget(url, name string) (*os.File, error) {
	if err := os.MkdirAll(f.dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.OpenFile(f.TargetPath(url, name), os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open target file: %w", err)
	}

	return out, nil
}
