package cache

import (
	"context"
	"time"
)

// NopWindow never holds anything. Every read is a miss and every write is dropped,
// which is how the rest of the system sees a cache outage.
type NopWindow struct{}

var _ Window = NopWindow{}

func (NopWindow) Prepend(context.Context, string, Entry, time.Time) (PrependResult, error) {
	return PrependResult{Reason: ReasonMissing}, nil
}

func (NopWindow) RangeFromHead(context.Context, string, int) ([]Entry, error) { return nil, nil }

func (NopWindow) RangeAfterCursor(context.Context, string, time.Time, int) ([]Entry, error) {
	return nil, nil
}

func (NopWindow) Populate(context.Context, PopulateInput) (PopulateResult, error) {
	return PopulateResult{Reason: ReasonMissing}, nil
}

func (NopWindow) Len(context.Context, string) (int, error) { return 0, nil }

func (NopWindow) Invalidate(context.Context, string) error { return nil }
