package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/models"
)

func newTestStore(t *testing.T) BotStore {
	t.Helper()
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBot(id string, status models.BotStatus) *models.Bot {
	return &models.Bot{
		ID:     id,
		UserID: "u1",
		Symbol: "BTCUSDT",
		Status: status,
		Config: models.GridConfig{
			LowerPrice:       decimal.NewFromInt(40000),
			UpperPrice:       decimal.NewFromInt(50000),
			GridLevels:       10,
			InvestmentAmount: decimal.NewFromInt(1000),
			ProfitPerGrid:    decimal.NewFromInt(1),
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	bot := sampleBot("b1", models.StatusActive)
	bot.Orders = []models.Order{{
		OrderID:  "101",
		Side:     models.Buy,
		Price:    decimal.RequireFromString("44444.44"),
		Quantity: decimal.RequireFromString("0.0045"),
		Status:   models.OrderNew,
	}}
	require.NoError(t, s.SaveBot(bot))

	got, err := s.LoadBot("b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b1", got.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	require.Len(t, got.Orders, 1)
	assert.True(t, got.Orders[0].Price.Equal(decimal.RequireFromString("44444.44")))
	assert.True(t, got.Config.InvestmentAmount.Equal(decimal.NewFromInt(1000)))
}

func TestLoadMissingBotReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LoadBot("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadActiveFiltersStatusAndDeleted(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveBot(sampleBot("active", models.StatusActive)))
	require.NoError(t, s.SaveBot(sampleBot("recovering", models.StatusRecovering)))
	require.NoError(t, s.SaveBot(sampleBot("paused", models.StatusPaused)))
	require.NoError(t, s.SaveBot(sampleBot("stopped", models.StatusStopped)))

	deleted := sampleBot("gone", models.StatusActive)
	deleted.Deleted = true
	require.NoError(t, s.SaveBot(deleted))

	active, err := s.LoadActive()
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, b := range active {
		ids[b.ID] = true
	}
	assert.Equal(t, map[string]bool{"active": true, "recovering": true}, ids)

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestDeleteBotIsSoftAndIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveBot(sampleBot("b1", models.StatusStopped)))
	require.NoError(t, s.DeleteBot("b1"))
	require.NoError(t, s.DeleteBot("b1"))
	require.NoError(t, s.DeleteBot("never-existed"))

	all, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, all)

	// The record itself survives for auditing.
	got, err := s.LoadBot("b1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)

	bot := sampleBot("b1", models.StatusActive)
	require.NoError(t, s.SaveBot(bot))

	bot.Status = models.StatusStopped
	bot.Stats.TotalTrades = 7
	require.NoError(t, s.SaveBot(bot))

	got, err := s.LoadBot("b1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, got.Status)
	assert.Equal(t, int64(7), got.Stats.TotalTrades)
}
