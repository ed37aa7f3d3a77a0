package replay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"orderbook-recorder/market"
)

var (
	// ErrInvalidConfig 所有配置错误都包装它。
	ErrInvalidConfig = errors.New("invalid replay configuration")
	ErrMissingDates  = fmt.Errorf("%w: startDate and endDate are required", ErrInvalidConfig)
)

// 依次尝试；不带时区的按 UTC 解释。
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// maxEpochMillis 毫秒时间戳的有效范围：距 1970-01-01 正负 1e8 天。
const maxEpochMillis = 8.64e15

type sessionConfig struct {
	StartDate json.RawMessage `json:"startDate"`
	EndDate   json.RawMessage `json:"endDate"`
}

// ParseConfig 解析客户端发来的 {startDate, endDate}。
// 日期可以是字符串或毫秒时间戳；start 晚于 end 视为无效。
func ParseConfig(raw []byte) (market.TimeRange, error) {
	var cfg sessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return market.TimeRange{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if blank(cfg.StartDate) || blank(cfg.EndDate) {
		return market.TimeRange{}, ErrMissingDates
	}
	start, err := parseDate(cfg.StartDate)
	if err != nil {
		return market.TimeRange{}, fmt.Errorf("%w: startDate: %v", ErrInvalidConfig, err)
	}
	end, err := parseDate(cfg.EndDate)
	if err != nil {
		return market.TimeRange{}, fmt.Errorf("%w: endDate: %v", ErrInvalidConfig, err)
	}
	r := market.TimeRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return market.TimeRange{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return r, nil
}

// blank 视为缺失：字段不存在、null、""、0、false。
func blank(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", `""`, "0", "false":
		return true
	}
	return false
}

func parseDate(v json.RawMessage) (time.Time, error) {
	v = bytes.TrimSpace(v)
	if v[0] != '"' {
		var ms json.Number
		if err := json.Unmarshal(v, &ms); err != nil {
			return time.Time{}, fmt.Errorf("unsupported date value %s", v)
		}
		f, err := ms.Float64()
		if err != nil || math.IsNaN(f) || math.Abs(f) > maxEpochMillis {
			return time.Time{}, fmt.Errorf("epoch millis %s out of range", v)
		}
		n, err := ms.Int64()
		if err != nil {
			// 小数或指数形式，向零取整
			n = int64(f)
		}
		return time.UnixMilli(n).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// configReply 把解析错误翻译成回复给客户端的文本。
func configReply(err error) string {
	switch {
	case errors.Is(err, ErrMissingDates):
		return textDatesRequired
	case errors.Is(err, market.ErrRangeInverted):
		return textInvertedRange
	default:
		return textInvalidConfig
	}
}
