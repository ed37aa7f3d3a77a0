package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrLevelShape 价格档位不是 [price, size] 两元素数组。
var ErrLevelShape = errors.New("price level must be a [price, size] pair")

// PriceLevel 单个价格档位，JSON 形式与 binance 一致：["price","size"]。
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// NewPriceLevel 从字符串解析价格和数量。
func NewPriceLevel(price, size string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("size %q: %w", size, err)
	}
	return PriceLevel{Price: p, Size: s}, nil
}

// MarshalJSON 输出 ["price","size"]，尾随零会被去掉。
func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Size.String()})
}

// UnmarshalJSON 接受字符串或数字形式的两元素数组。
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrLevelShape, err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("%w: got %d elements", ErrLevelShape, len(raw))
	}
	price, err := decimalText(raw[0])
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	size, err := decimalText(raw[1])
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	lvl, err := NewPriceLevel(price, size)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

// decimalText 取出字符串或数字字面量的文本。
func decimalText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(raw), nil
}

// bestPrice 返回第一档价格；空档位返回零值。
func bestPrice(levels []PriceLevel) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	return levels[0].Price
}
