package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyDownloading is returned when a download is started for a url that already
	// has segments, or resumed while its workers are still running.
	ErrAlreadyDownloading = errors.New("already downloading")
	// ErrNotDownloading is returned when a url has no resumable or pausable download.
	ErrNotDownloading = errors.New("not downloading")
	// ErrInvalidRequest is returned for malformed start requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// DownloadFailure is emitted on Coordinator.OnDownloadFailed when a job stops on an error.
type DownloadFailure struct {
	URL  string
	Name string
	Err  error
}

func (f DownloadFailure) Error() string {
	return fmt.Sprintf("download %s failed: %v", f.URL, f.Err)
}

func (f DownloadFailure) Unwrap() error {
	return f.Err
}
