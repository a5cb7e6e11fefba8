package model

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestFromSCDateTime(t *testing.T) {
	// 45000 days after 1899-12-30 is 2023-03-15.
	got := FromSCDateTime(45000.25)
	assert.Assert(t, got.Equal(time.Date(2023, 3, 15, 6, 0, 0, 0, time.UTC)), got)

	got = FromSCDateTime(0.5)
	assert.Assert(t, got.Equal(time.Date(1899, 12, 30, 12, 0, 0, 0, time.UTC)), got)

	got = FromSCDateTime(45000 + 1.0/86400)
	assert.Assert(t, got.Equal(time.Date(2023, 3, 15, 0, 0, 1, 0, time.UTC)), got)
}

func TestFromSCDate(t *testing.T) {
	got := FromSCDate(45000.9)
	assert.Assert(t, got.Equal(time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)), got)
}

func TestToSCDateTime(t *testing.T) {
	ts := time.Date(2024, 1, 2, 13, 30, 15, 250*int(time.Millisecond), time.UTC)
	assert.Assert(t, FromSCDateTime(ToSCDateTime(ts)).Equal(ts))
}

func TestSCDateTimeRoundsToNearestMillisecond(t *testing.T) {
	base := time.Date(2024, 1, 2, 13, 30, 15, 0, time.UTC)
	for ms := 0; ms < 1000; ms++ {
		ts := base.Add(time.Duration(ms) * time.Millisecond)
		got := FromSCDateTime(ToSCDateTime(ts))
		assert.Assert(t, got.Equal(ts), "ms %d decoded as %s", ms, got)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		assert.Assert(t, s.Terminal(), s)
	}
	for _, s := range []OrderStatus{StatusNew, StatusPending, StatusPartiallyFilled} {
		assert.Assert(t, !s.Terminal(), s)
	}
}

func TestMarketDataUpdateFallbacks(t *testing.T) {
	u := MarketDataUpdate{LastPrice: Float(10), LastVolume: Float(3)}
	c, ok := u.ClosePrice()
	assert.Assert(t, ok)
	assert.Equal(t, c, 10.0)
	v, ok := u.TotalVolume()
	assert.Assert(t, ok)
	assert.Equal(t, v, 3.0)

	u.Close = Float(11)
	c, _ = u.ClosePrice()
	assert.Equal(t, c, 11.0)

	_, ok = MarketDataUpdate{}.ClosePrice()
	assert.Assert(t, !ok)
}
