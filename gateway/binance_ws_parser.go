package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"orderbook-recorder/market"
)

var (
	// ErrMalformed 消息不是合法 JSON 或价位格式不对。
	ErrMalformed = errors.New("malformed depth message")
	// ErrMissingSide 缺少 bids 或 asks，或其中一侧为空。
	ErrMissingSide = errors.New("depth message missing bids or asks")
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// depthPayload 同时兼容 partial depth（bids/asks）与 diff depth（b/a）两种字段名。
type depthPayload struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         []market.PriceLevel `json:"bids"`
	Asks         []market.PriceLevel `json:"asks"`
	B            []market.PriceLevel `json:"b"`
	A            []market.PriceLevel `json:"a"`
}

// ParseDepthSnapshot 解析一条深度消息，返回完整的买卖两侧。
// raw stream 与 combined stream 都可以直接传入。
func ParseDepthSnapshot(raw []byte) (bids, asks []market.PriceLevel, err error) {
	var env CombinedMessage
	if err = json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload := raw
	if env.Stream != "" && len(env.Data) > 0 {
		payload = env.Data
	}
	var depth depthPayload
	if err = json.Unmarshal(payload, &depth); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	bids, asks = depth.Bids, depth.Asks
	if len(bids) == 0 {
		bids = depth.B
	}
	if len(asks) == 0 {
		asks = depth.A
	}
	if len(bids) == 0 || len(asks) == 0 {
		return nil, nil, fmt.Errorf("%w: bids=%d asks=%d", ErrMissingSide, len(bids), len(asks))
	}
	return bids, asks, nil
}

// decodeReason 把解析错误归类为指标标签。
func decodeReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSide):
		return "missing_side"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}
