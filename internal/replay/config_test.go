package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-recorder/market"
)

func TestParseConfigFormats(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		start time.Time
		end   time.Time
	}{
		{
			name:  "rfc3339 utc",
			raw:   `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:01Z"}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC),
		},
		{
			name:  "rfc3339 fraction and offset",
			raw:   `{"startDate":"2024-01-01T18:00:00.250+08:00","endDate":"2024-01-01T10:00:01.5Z"}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 250e6, time.UTC),
			end:   time.Date(2024, 1, 1, 10, 0, 1, 500e6, time.UTC),
		},
		{
			name:  "zone-less is utc",
			raw:   `{"startDate":"2024-01-01T10:00:00","endDate":"2024-01-01 11:30:00"}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 1, 11, 30, 0, 0, time.UTC),
		},
		{
			name:  "date only",
			raw:   `{"startDate":"2024-01-01","endDate":"2024-01-02"}`,
			start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "epoch millis",
			raw:   `{"startDate":1704103200000,"endDate":1704103201000}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC),
		},
		{
			name:  "epoch fraction and exponent",
			raw:   `{"startDate":1704103200000.9,"endDate":1.704103201e12}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC),
		},
		{
			name:  "epoch at date range limit",
			raw:   `{"startDate":-8640000000000000,"endDate":8640000000000000}`,
			start: time.UnixMilli(-8640000000000000).UTC(),
			end:   time.UnixMilli(8640000000000000).UTC(),
		},
		{
			name:  "equal bounds",
			raw:   `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:00Z","speed":2}`,
			start: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseConfig([]byte(tc.raw))
			require.NoError(t, err)
			assert.True(t, tc.start.Equal(r.Start), "start %s", r.Start)
			assert.True(t, tc.end.Equal(r.End), "end %s", r.End)
			assert.Equal(t, time.UTC, r.Start.Location())
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		reply string
	}{
		{"not json", `startDate=1`, textInvalidConfig},
		{"array", `[]`, textInvalidConfig},
		{"missing end", `{"startDate":"2024-01-01"}`, textDatesRequired},
		{"empty start", `{"startDate":"","endDate":"2024-01-01"}`, textDatesRequired},
		{"null end", `{"startDate":"2024-01-01","endDate":null}`, textDatesRequired},
		{"empty object", `{}`, textDatesRequired},
		{"unparseable", `{"startDate":"yesterday","endDate":"2024-01-01"}`, textInvalidConfig},
		{"time only", `{"startDate":"10:00:00","endDate":"10:00:01"}`, textInvalidConfig},
		{"object date", `{"startDate":{},"endDate":"2024-01-01"}`, textInvalidConfig},
		{"inverted", `{"startDate":"2024-01-02","endDate":"2024-01-01"}`, textInvertedRange},
		{"epoch overflow", `{"startDate":1e300,"endDate":2e300}`, textInvalidConfig},
		{"epoch past int64", `{"startDate":1704103200000,"endDate":9223372036854775808}`, textInvalidConfig},
		{"epoch beyond date range", `{"startDate":-8640000000000001,"endDate":1704103200000}`, textInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Equal(t, tc.reply, configReply(err))
		})
	}
}

func TestParseConfigInvertedWrapsRangeError(t *testing.T) {
	_, err := ParseConfig([]byte(`{"startDate":"2024-01-02","endDate":"2024-01-01"}`))
	assert.True(t, errors.Is(err, market.ErrRangeInverted))
}
