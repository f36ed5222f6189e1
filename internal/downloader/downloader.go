package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/italolelis/segment_downloader/internal/logctx"
	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/telemetry"
	"github.com/italolelis/segment_downloader/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 16

// Request describes a new download.
type Request struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MID      string `json:"mid"`
	FileSize int64  `json:"file_size"`
	Segments int    `json:"segments"`
}

// Status is a point-in-time view of a download.
type Status struct {
	File     storage.FileState       `json:"file"`
	Segments []storage.SegmentRecord `json:"segments"`
	Active   bool                    `json:"active"`
}

// Options tunes the coordinator.
type Options struct {
	// DefaultSegments is used when a request does not name a segment count.
	DefaultSegments int
	// MaxParallel bounds the running workers of a single download; 0 means one per segment.
	MaxParallel int
	// RetryMaxTries bounds retries of the second step of paired store operations.
	RetryMaxTries uint
	// RetryInitialInterval is the first backoff delay between those retries.
	RetryInitialInterval time.Duration
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator turns the segment ledger and the file state store into a resumable
// segmented download. It owns the lifecycle of both record types; workers only
// report progress for their own segment through ReportProgress.
type Coordinator struct {
	ledger    storage.SegmentLedger
	states    storage.FileStateStore
	fetcher   transfer.Fetcher
	telemetry *telemetry.Telemetry
	opts      Options

	// lifecycle serializes StartNew/Resume/Pause/Delete per url. progress guards the
	// read-aggregate-write sequence of progress reports and state transitions per url.
	// Pause holds lifecycle while waiting for workers, which only ever take progress.
	lifecycle *keyedMutex
	progress  *keyedMutex

	mu   sync.Mutex
	jobs map[string]*job

	OnDownloadFinished chan storage.FileState
	OnDownloadFailed   chan DownloadFailure
}

func NewCoordinator(
	ledger storage.SegmentLedger,
	states storage.FileStateStore,
	fetcher transfer.Fetcher,
	tel *telemetry.Telemetry,
	opts Options,
) *Coordinator {
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	if opts.DefaultSegments <= 0 {
		opts.DefaultSegments = 3
	}

	if opts.RetryMaxTries == 0 {
		opts.RetryMaxTries = 5
	}

	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 100 * time.Millisecond
	}

	return &Coordinator{
		ledger:             ledger,
		states:             states,
		fetcher:            fetcher,
		telemetry:          tel,
		opts:               opts,
		lifecycle:          newKeyedMutex(),
		progress:           newKeyedMutex(),
		jobs:               make(map[string]*job),
		OnDownloadFinished: make(chan storage.FileState, eventBuffer),
		OnDownloadFailed:   make(chan DownloadFailure, eventBuffer),
	}
}

// StartNew records a new download and spawns one worker per segment.
func (c *Coordinator) StartNew(ctx context.Context, req Request) (storage.FileState, error) {
	if req.URL == "" {
		return storage.FileState{}, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}

	if base := filepath.Base(req.Name); req.Name == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return storage.FileState{}, fmt.Errorf("%w: invalid file name %q", ErrInvalidRequest, req.Name)
	}

	if req.Segments == 0 {
		req.Segments = c.opts.DefaultSegments
	}

	records, err := Plan(req.URL, req.FileSize, req.Segments)
	if err != nil {
		return storage.FileState{}, err
	}

	ctx, logger := logctx.WithDownload(ctx, req.URL)

	unlock := c.lifecycle.Lock(req.URL)
	defer unlock()

	exists, err := c.ledger.Exists(ctx, req.URL)
	if err != nil {
		return storage.FileState{}, fmt.Errorf("failed to check segments: %w", err)
	}

	if exists {
		return storage.FileState{}, fmt.Errorf("%w: %s", ErrAlreadyDownloading, req.URL)
	}

	fs := storage.FileState{
		MID:      req.MID,
		Name:     req.Name,
		URL:      req.URL,
		State:    storage.StateDownloading,
		FileSize: req.FileSize,
	}

	if err := c.states.Insert(ctx, fs); err != nil {
		return storage.FileState{}, fmt.Errorf("failed to insert file state: %w", err)
	}

	if err := c.retry(ctx, func() error { return c.ledger.InsertAll(ctx, records) }); err != nil {
		// Undo the first step so neither store references a download the other lacks.
		if delErr := c.retry(ctx, func() error { return c.states.Delete(ctx, req.URL) }); delErr != nil {
			c.telemetry.RecordSystemError("downloader", "inconsistent_start")

			return storage.FileState{}, fmt.Errorf("%w: file state of %s left without segments: %w",
				storage.ErrCorruptState, req.URL, errors.Join(err, delErr))
		}

		return storage.FileState{}, fmt.Errorf("failed to insert segments: %w", err)
	}

	logger.Info("download started",
		"name", fs.Name,
		"file_size", humanize.Bytes(uint64(fs.FileSize)),
		"segments", len(records),
	)

	c.spawn(ctx, fs, records)

	return fs, nil
}

// Resume restarts the unfinished segments of a download from their persisted checkpoints.
func (c *Coordinator) Resume(ctx context.Context, url string) (storage.FileState, error) {
	ctx, logger := logctx.WithDownload(ctx, url)

	unlock := c.lifecycle.Lock(url)
	defer unlock()

	if c.active(url) {
		return storage.FileState{}, fmt.Errorf("%w: %s", ErrAlreadyDownloading, url)
	}

	exists, err := c.ledger.Exists(ctx, url)
	if err != nil {
		return storage.FileState{}, fmt.Errorf("failed to check segments: %w", err)
	}

	if !exists {
		return storage.FileState{}, fmt.Errorf("%w: no segments stored for %s", ErrNotDownloading, url)
	}

	var (
		fs      storage.FileState
		pending []storage.SegmentRecord
	)

	err = c.progress.Do(url, func() error {
		var segments []storage.SegmentRecord

		fs, err = c.states.GetByURL(ctx, url)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrNotDownloading, err)
		}

		if err != nil {
			return err
		}

		if fs.State == storage.StateCompleted {
			return fmt.Errorf("%w: %s is completed", ErrNotDownloading, url)
		}

		fs, segments, err = c.reconcile(ctx, fs)
		if err != nil {
			return err
		}

		for _, seg := range segments {
			if !seg.Done() {
				pending = append(pending, seg)
			}
		}

		fs.State = storage.StateDownloading
		if len(pending) == 0 {
			fs.State = storage.StateCompleted
		}

		return c.states.SetState(ctx, url, fs.State)
	})
	if err != nil {
		return storage.FileState{}, err
	}

	if len(pending) == 0 {
		logger.Info("download already complete, nothing to resume")
		c.notifyFinished(fs)

		return fs, nil
	}

	logger.Info("download resumed",
		"segments", len(pending),
		"downloaded", humanize.Bytes(uint64(fs.CompleteSize)),
		"file_size", humanize.Bytes(uint64(fs.FileSize)),
	)

	c.spawn(ctx, fs, pending)

	return fs, nil
}

// ReportProgress is the worker progress callback: it adds delta bytes to the segment owned
// by threadID, recomputes the aggregate from every segment of url and stores it in the file
// state, marking the download completed once the aggregate reaches the file size.
// Reports for segments that no longer exist are ignored.
func (c *Coordinator) ReportProgress(ctx context.Context, threadID int, url string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: negative progress delta %d", ErrInvalidRequest, delta)
	}

	return c.progress.Do(url, func() error {
		return c.applyProgress(ctx, threadID, url, delta)
	})
}

func (c *Coordinator) applyProgress(ctx context.Context, threadID int, url string, delta int64) error {
	logger := logctx.LoggerFromContext(ctx)

	segments, err := c.ledger.ListByURL(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	idx := -1

	for i := range segments {
		if segments[i].ThreadID == threadID {
			idx = i

			break
		}
	}

	if idx < 0 {
		logger.Debug("progress for unknown segment ignored", "thread_id", threadID)

		return nil
	}

	seg := &segments[idx]

	if size := min(seg.CompleteSize+delta, seg.Length()); size != seg.CompleteSize {
		matched, err := c.ledger.UpdateProgress(ctx, threadID, url, size)
		if err != nil {
			return fmt.Errorf("failed to update segment progress: %w", err)
		}

		if !matched {
			return nil
		}

		seg.CompleteSize = size
	}

	var total int64
	for _, s := range segments {
		total += s.CompleteSize
	}

	fs, err := c.states.GetByURL(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get file state: %w", err)
	}

	if fs.CompleteSize != total {
		if err := c.states.SetProgress(ctx, url, total); err != nil {
			return fmt.Errorf("failed to update file progress: %w", err)
		}
	}

	if total >= fs.FileSize && fs.State != storage.StateCompleted {
		if err := c.states.SetState(ctx, url, storage.StateCompleted); err != nil {
			return fmt.Errorf("failed to mark download completed: %w", err)
		}

		logger.Info("download completed", "file_size", humanize.Bytes(uint64(fs.FileSize)))
	}

	return nil
}

// Pause stops the workers of a downloading url and marks it paused. Checkpoints
// persisted so far remain valid; it returns once every worker has stopped.
func (c *Coordinator) Pause(ctx context.Context, url string) error {
	ctx, logger := logctx.WithDownload(ctx, url)

	unlock := c.lifecycle.Lock(url)
	defer unlock()

	err := c.progress.Do(url, func() error {
		fs, err := c.states.GetByURL(ctx, url)
		if err != nil {
			return err
		}

		if fs.State != storage.StateDownloading {
			return fmt.Errorf("%w: %s is %s", ErrNotDownloading, url, fs.State)
		}

		return c.states.SetState(ctx, url, storage.StatePaused)
	})
	if err != nil {
		return err
	}

	if err := c.stop(ctx, url); err != nil {
		return err
	}

	logger.Info("download paused")

	return nil
}

// Delete stops the workers of url and removes its segments and file state.
func (c *Coordinator) Delete(ctx context.Context, url string) error {
	ctx, logger := logctx.WithDownload(ctx, url)

	unlock := c.lifecycle.Lock(url)
	defer unlock()

	exists, err := c.ledger.Exists(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to check segments: %w", err)
	}

	_, err = c.states.GetByURL(ctx, url)

	tracked := err == nil || errors.Is(err, storage.ErrCorruptState)
	if err != nil && !tracked && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to get file state: %w", err)
	}

	if !exists && !tracked && !c.active(url) {
		return fmt.Errorf("download %s: %w", url, storage.ErrNotFound)
	}

	if err := c.stop(ctx, url); err != nil {
		return err
	}

	if err := c.retry(ctx, func() error { return c.ledger.DeleteByURL(ctx, url) }); err != nil {
		return fmt.Errorf("failed to delete segments: %w", err)
	}

	if err := c.retry(ctx, func() error { return c.states.Delete(ctx, url) }); err != nil {
		c.telemetry.RecordSystemError("downloader", "inconsistent_delete")

		return fmt.Errorf("%w: segments of %s deleted but file state remains: %w", storage.ErrCorruptState, url, err)
	}

	logger.Info("download deleted")

	return nil
}

// RestoreInterrupted resumes every download still marked downloading, which after a
// restart means the process stopped while its workers were running.
func (c *Coordinator) RestoreInterrupted(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	states, err := c.states.ListByState(ctx, storage.StateDownloading)
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted downloads: %w", err)
	}

	var (
		resumed int
		errs    []error
	)

	for _, fs := range states {
		if c.active(fs.URL) {
			continue
		}

		if _, err := c.Resume(ctx, fs.URL); err != nil {
			logger.Error("failed to restore download", "url", fs.URL, "err", err)

			errs = append(errs, fmt.Errorf("%s: %w", fs.URL, err))

			continue
		}

		resumed++
	}

	return resumed, errors.Join(errs...)
}

// Status returns the file state and the sorted segments of url.
func (c *Coordinator) Status(ctx context.Context, url string) (Status, error) {
	fs, err := c.states.GetByURL(ctx, url)
	if err != nil {
		return Status{}, err
	}

	segments, err := c.ledger.ListByURL(ctx, url)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list segments: %w", err)
	}

	sortSegments(segments)

	return Status{File: fs, Segments: segments, Active: c.active(url)}, nil
}

// Verify checks the partition of url and that its file state matches the aggregate
// of its segments, repairing a lagging aggregate left behind by a crash.
func (c *Coordinator) Verify(ctx context.Context, url string) (Status, error) {
	var st Status

	err := c.progress.Do(url, func() error {
		fs, err := c.states.GetByURL(ctx, url)
		if err != nil {
			return err
		}

		st.File, st.Segments, err = c.reconcile(ctx, fs)

		return err
	})

	st.Active = c.active(url)

	return st, err
}

// List returns every tracked download, or only those in state when it is non-nil.
func (c *Coordinator) List(ctx context.Context, state *storage.State) ([]storage.FileState, error) {
	if state == nil {
		return c.states.List(ctx)
	}

	return c.states.ListByState(ctx, *state)
}

// Wait blocks until the workers of url have stopped or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, url string) error {
	c.mu.Lock()
	j := c.jobs[url]
	c.mu.Unlock()

	if j == nil {
		return nil
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every running download and waits for its workers. Downloads keep their
// downloading state so RestoreInterrupted picks them up on the next start.
func (c *Coordinator) Close() {
	c.mu.Lock()

	jobs := make([]*job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}

	c.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}

	for _, j := range jobs {
		<-j.done
	}
}

// reconcile validates the segments of fs and brings its aggregate in line with them.
// Segments are authoritative: a lagging aggregate is repaired, one that is ahead is corrupt.
// The caller must hold the progress lock of fs.URL.
func (c *Coordinator) reconcile(ctx context.Context, fs storage.FileState) (storage.FileState, []storage.SegmentRecord, error) {
	segments, err := c.ledger.ListByURL(ctx, fs.URL)
	if err != nil {
		return fs, nil, fmt.Errorf("failed to list segments: %w", err)
	}

	sortSegments(segments)

	if err := checkPartition(segments, fs.FileSize); err != nil {
		return fs, segments, fmt.Errorf("download %s: %w", fs.URL, err)
	}

	var total int64
	for _, seg := range segments {
		total += seg.CompleteSize
	}

	switch {
	case fs.CompleteSize > total:
		return fs, segments, fmt.Errorf("%w: %s records %d bytes but its segments hold %d",
			storage.ErrCorruptState, fs.URL, fs.CompleteSize, total)
	case fs.CompleteSize < total:
		logctx.LoggerFromContext(ctx).Warn("repairing lagging download progress",
			"url", fs.URL, "recorded", fs.CompleteSize, "segments", total)

		if err := c.states.SetProgress(ctx, fs.URL, total); err != nil {
			return fs, segments, fmt.Errorf("failed to repair file progress: %w", err)
		}

		fs.CompleteSize = total
	}

	return fs, segments, nil
}

func (c *Coordinator) spawn(ctx context.Context, fs storage.FileState, segments []storage.SegmentRecord) {
	// Workers outlive the request that started them but keep its logger and trace.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.jobs[fs.URL] = j
	c.mu.Unlock()

	go c.run(jobCtx, j, fs, segments)
}

func (c *Coordinator) run(ctx context.Context, j *job, fs storage.FileState, segments []storage.SegmentRecord) {
	// Events go out only once the job is gone, so a consumer may resume right away.
	var notify func()

	defer func() {
		if notify != nil {
			notify()
		}
	}()
	defer close(j.done)
	defer c.removeJob(fs.URL, j)
	defer j.cancel()

	logger := logctx.LoggerFromContext(ctx)

	err := c.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		if c.opts.MaxParallel > 0 {
			g.SetLimit(c.opts.MaxParallel)
		}

		for _, seg := range segments {
			g.Go(func() error {
				return c.work(gctx, fs, seg)
			})
		}

		return g.Wait()
	})

	switch {
	case ctx.Err() != nil:
		logger.Info("download workers stopped")
	case err != nil:
		logger.Error("download failed", "err", err)

		failure := c.fail(ctx, fs, err)
		notify = func() { c.notifyFailed(failure) }
	default:
		if finished, ok := c.finish(ctx, fs); ok {
			notify = func() { c.notifyFinished(finished) }
		}
	}
}

func (c *Coordinator) work(ctx context.Context, fs storage.FileState, seg storage.SegmentRecord) error {
	ctx, logger := logctx.WithSegment(ctx, seg.ThreadID, seg.StartPos, seg.EndPos)

	return c.telemetry.InstrumentSegment(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		r := transfer.Range{
			URL:   fs.URL,
			Name:  fs.Name,
			Start: seg.StartPos + seg.CompleteSize,
			End:   seg.EndPos + 1,
		}

		logger.Debug("segment worker started", "offset", r.Start, "remaining", humanize.Bytes(uint64(r.Len())))

		err := c.fetcher.Fetch(ctx, r, func(ctx context.Context, delta int64) error {
			return c.ReportProgress(ctx, seg.ThreadID, fs.URL, delta)
		})
		if err != nil {
			return fmt.Errorf("segment %d: %w", seg.ThreadID, err)
		}

		logger.Debug("segment worker finished")

		return nil
	})
}

// fail marks a download that stopped on an error as paused so it can be resumed.
func (c *Coordinator) fail(ctx context.Context, fs storage.FileState, cause error) DownloadFailure {
	logger := logctx.LoggerFromContext(ctx)

	err := c.progress.Do(fs.URL, func() error {
		current, err := c.states.GetByURL(ctx, fs.URL)
		if err != nil {
			return err
		}

		if current.State != storage.StateDownloading {
			return nil
		}

		return c.states.SetState(ctx, fs.URL, storage.StatePaused)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to pause failed download", "err", err)
	}

	return DownloadFailure{URL: fs.URL, Name: fs.Name, Err: cause}
}

// finish reports the stored state of a download whose workers all succeeded, if it is complete.
func (c *Coordinator) finish(ctx context.Context, fs storage.FileState) (storage.FileState, bool) {
	logger := logctx.LoggerFromContext(ctx)

	current, err := c.states.GetByURL(ctx, fs.URL)
	if err != nil {
		logger.Error("failed to read finished download", "err", err)

		return storage.FileState{}, false
	}

	if current.State != storage.StateCompleted {
		logger.Warn("workers finished but download is not complete",
			"downloaded", current.CompleteSize, "file_size", current.FileSize)

		return storage.FileState{}, false
	}

	return current, true
}

func (c *Coordinator) stop(ctx context.Context, url string) error {
	c.mu.Lock()
	j := c.jobs[url]
	c.mu.Unlock()

	if j == nil {
		return nil
	}

	j.cancel()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers of %s: %w", url, ctx.Err())
	}
}

func (c *Coordinator) active(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.jobs[url]

	return ok
}

func (c *Coordinator) removeJob(url string, j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.jobs[url] == j {
		delete(c.jobs, url)
	}
}

// retry retries op while the store reports itself unavailable.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !errors.Is(err, storage.ErrStorageUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.opts.RetryMaxTries))

	return err
}

func (c *Coordinator) notifyFinished(fs storage.FileState) {
	select {
	case c.OnDownloadFinished <- fs:
	default:
	}
}

func (c *Coordinator) notifyFailed(f DownloadFailure) {
	select {
	case c.OnDownloadFailed <- f:
	default:
	}
}

func sortSegments(segments []storage.SegmentRecord) {
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartPos < segments[j].StartPos })
}
