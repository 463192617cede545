// Package sizelimit enforces a byte ceiling on downloads, both before any
// transfer starts (estimated size) and while bytes are flowing (observed
// size). The ceiling comes from a Source that may change at runtime, so a
// Guard is resolved fresh at job start rather than cached.
package sizelimit

import (
	"errors"
	"fmt"
	"math"
)

// Source exposes the current byte ceiling. Zero or negative means no limit.
type Source interface {
	SizeLimitBytes() int64
}

// SourceFunc adapts a closure to Source.
type SourceFunc func() int64

func (f SourceFunc) SizeLimitBytes() int64 { return f() }

// LimitError carries the human message persisted on the job record.
type LimitError struct {
	Message string
}

func (e *LimitError) Error() string { return e.Message }

// IsLimitError reports whether err is a size-limit rejection.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// Guard is a resolved ceiling for one job run.
type Guard struct {
	limit int64
}

// Resolve reads the source now and applies the per-job override, which wins
// when set. A nil source or non-positive limit yields a no-op guard.
func Resolve(source Source, override *int64) Guard {
	var limit int64
	if source != nil {
		limit = source.SizeLimitBytes()
	}
	if override != nil {
		limit = *override
	}
	if limit < 0 {
		limit = 0
	}
	return Guard{limit: limit}
}

func (g Guard) Enabled() bool {
	return g.limit > 0
}

func (g Guard) LimitBytes() int64 {
	return g.limit
}

// CheckEstimate is the pre-flight check against a declared size estimate.
// Unknown estimates (<= 0) pass.
func (g Guard) CheckEstimate(estimated int64) error {
	if g.limit <= 0 || estimated <= 0 || estimated <= g.limit {
		return nil
	}
	return &LimitError{Message: estimateMessage(estimated, g.limit)}
}

// Observe is the mid-flight check against reported totals. Either an observed
// total size or the running downloaded count can trip the limit.
func (g Guard) Observe(total, downloaded int64) error {
	if g.limit <= 0 {
		return nil
	}
	if total > g.limit {
		return &LimitError{Message: observedMessage(total, g.limit)}
	}
	if downloaded > g.limit {
		return &LimitError{Message: observedMessage(downloaded, g.limit)}
	}
	return nil
}

func ceilMB(n int64) int64 {
	if n <= 0 {
		return 0
	}
	mb := int64(math.Ceil(float64(n) / (1024 * 1024)))
	if mb < 1 {
		mb = 1
	}
	return mb
}

func estimateMessage(estimated, limit int64) string {
	return fmt.Sprintf(
		"This download is estimated at %d MB which exceeds the configured size limit of %d MB.",
		ceilMB(estimated), ceilMB(limit),
	)
}

func observedMessage(approx, limit int64) string {
	return fmt.Sprintf(
		"This download requires approximately %d MB which exceeds the configured size limit of %d MB.",
		ceilMB(approx), ceilMB(limit),
	)
}
