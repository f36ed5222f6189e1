package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the backing store cannot be opened or queried.
	// It is transient: the operation was aborted and may be retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDuplicateKey is returned when an insert violates a uniqueness constraint.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when no row matches the lookup key.
	ErrNotFound = errors.New("not found")
	// ErrCorruptState is returned when persisted rows violate an invariant,
	// e.g. two file states for one url or an unknown state value.
	ErrCorruptState = errors.New("corrupt state")
)

// State is the lifecycle state of a tracked download as persisted in download_file.state.
type State int

const (
	StateCompleted   State = 0
	StateDownloading State = 1
	StatePaused      State = 3
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid reports whether s is one of the persisted wire values.
func (s State) Valid() bool {
	return s == StateCompleted || s == StateDownloading || s == StatePaused
}

// ParseState maps the textual form back to a State.
func ParseState(v string) (State, error) {
	switch v {
	case "completed":
		return StateCompleted, nil
	case "downloading":
		return StateDownloading, nil
	case "paused":
		return StatePaused, nil
	}

	return 0, fmt.Errorf("invalid state %q", v)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}

	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}

	*s = v

	return nil
}

// SegmentRecord is the progress checkpoint of one worker's byte range.
// StartPos and EndPos are inclusive.
type SegmentRecord struct {
	URL          string `json:"url"`
	ThreadID     int    `json:"thread_id"`
	StartPos     int64  `json:"start_pos"`
	EndPos       int64  `json:"end_pos"`
	CompleteSize int64  `json:"complete_size"`
}

// Length returns the number of bytes covered by the segment.
func (r SegmentRecord) Length() int64 {
	return r.EndPos - r.StartPos + 1
}

// Done reports whether every byte of the segment has been written.
func (r SegmentRecord) Done() bool {
	return r.CompleteSize >= r.Length()
}

// FileState is the aggregate lifecycle record of one download.
type FileState struct {
	MID          string `json:"mid"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	State        State  `json:"state"`
	CompleteSize int64  `json:"complete_size"`
	FileSize     int64  `json:"file_size"`
}

// SegmentLedger stores per-segment progress rows, one per (url, thread id).
type SegmentLedger interface {
	Exists(ctx context.Context, url string) (bool, error)
	InsertAll(ctx context.Context, records []SegmentRecord) error
	ListByURL(ctx context.Context, url string) ([]SegmentRecord, error)
	// UpdateProgress reports whether a row matched. A missing row is not an error.
	UpdateProgress(ctx context.Context, threadID int, url string, completeSize int64) (bool, error)
	DeleteByURL(ctx context.Context, url string) error
}

// FileStateStore stores one lifecycle row per download url.
type FileStateStore interface {
	Insert(ctx context.Context, fs FileState) error
	List(ctx context.Context) ([]FileState, error)
	ListByState(ctx context.Context, state State) ([]FileState, error)
	GetByURL(ctx context.Context, url string) (FileState, error)
	SetState(ctx context.Context, url string, state State) error
	SetProgress(ctx context.Context, url string, completeSize int64) error
	Delete(ctx context.Context, url string) error
}
