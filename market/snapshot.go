package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEmptySide 快照缺少 bids 或 asks，不允许写入存储。
var ErrEmptySide = errors.New("snapshot requires non-empty bids and asks")

// Snapshot 某一时刻的盘口快照（top-N bids/asks）。
// 以 Timestamp 排序，同一时间戳允许重复，不做去重。
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// Validate 两侧都至少有一档，否则返回 ErrEmptySide。
func (s Snapshot) Validate() error {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return ErrEmptySide
	}
	return nil
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (s Snapshot) Mid() decimal.Decimal {
	bid, ask := bestPrice(s.Bids), bestPrice(s.Asks)
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
