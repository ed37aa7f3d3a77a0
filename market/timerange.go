package market

import (
	"errors"
	"time"
)

var (
	ErrRangeMissing  = errors.New("start and end time are required")
	ErrRangeInverted = errors.New("start time must not be after end time")
)

// TimeRange 闭区间 [Start, End]；Start == End 合法。
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Validate 检查两端都已设置且 Start 不晚于 End。
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return ErrRangeMissing
	}
	if r.Start.After(r.End) {
		return ErrRangeInverted
	}
	return nil
}
