package replay

import (
	"time"

	"orderbook-recorder/market"
)

// 客户端可见的提示文本。
const (
	textConnected       = "Connected to backtesting server. Send configuration to begin."
	textDatesRequired   = "Start date and end date are required"
	textInvalidConfig   = "Invalid configuration format"
	textInvertedRange   = "Start date must not be after end date"
	textSessionActive   = "Backtesting session already in progress"
	textNoData          = "No data found for the specified date range"
	textCompleted       = "Backtesting session completed"
	textStreamingFailed = "Error during data streaming"
	textShutdown        = "Server shutting down"
	textRateLimited     = "Too many requests, slow down"
)

const (
	statusConnected = "connected"
	statusStarted   = "started"
	statusCompleted = "completed"
	statusError     = "error"
	statusShutdown  = "shutdown"
)

// TimeLayout 下发给客户端的时间格式（UTC，毫秒精度）。
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// StatusMessage {status, message}
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorMessage 配置错误：{error}
type ErrorMessage struct {
	Error string `json:"error"`
}

// StartedMessage 开始推送前的元信息。
type StartedMessage struct {
	Status         string `json:"status"`
	TotalSnapshots int    `json:"totalSnapshots"`
	StartTime      string `json:"startTime"`
	EndTime        string `json:"endTime"`
}

// TickMessage 单条快照，progress 形如 "3/10"。
type TickMessage struct {
	Timestamp string              `json:"timestamp"`
	Bids      []market.PriceLevel `json:"bids"`
	Asks      []market.PriceLevel `json:"asks"`
	Progress  string              `json:"progress"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func connectedMessage() StatusMessage {
	return StatusMessage{Status: statusConnected, Message: textConnected}
}

func noDataMessage() StatusMessage {
	return StatusMessage{Status: statusError, Message: textNoData}
}

func streamingFailedMessage() StatusMessage {
	return StatusMessage{Status: statusError, Message: textStreamingFailed}
}

func completedMessage() StatusMessage {
	return StatusMessage{Status: statusCompleted, Message: textCompleted}
}

func shutdownMessage() StatusMessage {
	return StatusMessage{Status: statusShutdown, Message: textShutdown}
}

func startedMessage(total int, r market.TimeRange) StartedMessage {
	return StartedMessage{
		Status:         statusStarted,
		TotalSnapshots: total,
		StartTime:      formatTime(r.Start),
		EndTime:        formatTime(r.End),
	}
}
