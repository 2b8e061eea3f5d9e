package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/trader"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelC()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(newEvent(EventError))
	assert.Equal(t, EventError, (<-a).Kind)
	assert.Equal(t, EventError, (<-c).Kind)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	var drops int
	b := NewBroadcaster(func() { drops++ })
	slow, cancel := b.Subscribe(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(newEvent(EventPriceUpdate))
	}
	assert.Equal(t, int64(3), b.Dropped())
	assert.Equal(t, 3, drops)
	assert.Len(t, slow, 2)
}

func TestTransactionOf(t *testing.T) {
	ok := transactionOf(trader.Result{
		OK: true, Side: trader.SideBuy, Mint: "M", Signature: "S",
		Amount: decimal.NewFromInt(100), Spent: decimal.RequireFromString("0.01"), Mode: trader.ModeFast,
	})
	assert.True(t, ok.OK)
	assert.Equal(t, "100", ok.Amount)
	assert.Equal(t, "0.01", ok.Spent)
	assert.Empty(t, ok.Error)

	failed := transactionOf(trader.Result{Side: trader.SideSell, Mint: "M", Err: errors.New("boom")})
	assert.False(t, failed.OK)
	assert.Equal(t, "boom", failed.Error)
}

func TestEvent_JSONShape(t *testing.T) {
	ev := newEvent(EventTransaction)
	ev.Transaction = &Transaction{Side: trader.SideBuy, Mint: "M", OK: true}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "transaction", m["type"])
	assert.NotEmpty(t, m["id"])
	assert.Contains(t, m, "transaction")
	assert.NotContains(t, m, "position")
}
