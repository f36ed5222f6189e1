package transfer

import (
	"context"

	"github.com/italolelis/segment_downloader/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch fetches a range with telemetry. Every reported delta is also counted as downloaded bytes.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, r Range, onProgress ProgressFunc) error {
	return f.telemetry.InstrumentOperation(ctx, "fetch_range", "transfer", func(ctx context.Context) error {
		return f.fetcher.Fetch(ctx, r, func(ctx context.Context, delta int64) error {
			if err := onProgress(ctx, delta); err != nil {
				return err
			}

			f.telemetry.RecordProgress(delta)

			return nil
		})
	})
}
