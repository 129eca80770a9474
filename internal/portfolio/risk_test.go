package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-valuation/internal/model"
	"trading-valuation/internal/valuation"
)

func TestRiskWatch_ReportsTransitionsOnce(t *testing.T) {
	rw := NewRiskWatch(RiskLimits{MaxMargin: 1000, MaxLoss: 500})

	breaches := rw.Check(valuation.Totals{Margin: 1200, PL: -100}, 0)
	require.Len(t, breaches, 1)
	assert.Equal(t, "margin", breaches[0].Limit)
	assert.False(t, breaches[0].Cleared)

	assert.Empty(t, rw.Check(valuation.Totals{Margin: 1300, PL: -100}, 0))

	breaches = rw.Check(valuation.Totals{Margin: 900, PL: -600}, 0)
	require.Len(t, breaches, 2)
	assert.Equal(t, "margin", breaches[0].Limit)
	assert.True(t, breaches[0].Cleared)
	assert.Equal(t, "loss", breaches[1].Limit)
	assert.False(t, breaches[1].Cleared)
}

func TestRiskWatch_DisabledLimits(t *testing.T) {
	rw := NewRiskWatch(DefaultRiskLimits())
	assert.Empty(t, rw.Check(valuation.Totals{Margin: 1e9, PL: -1e9, Positions: 1000}, 1e12))

	status := rw.GetStatus()
	assert.Equal(t, 1e12, status["exposure"])
}

func TestLedger_Summary(t *testing.T) {
	l := NewLedger()
	l.RecordClose(&model.Position{ID: "a", Token: "1", PL: 100.25}, time.Now())
	l.RecordClose(&model.Position{ID: "b", Token: "2", PL: -40.1}, time.Now())

	s := l.Summary([]model.ValuationResult{{PL: 10}, {PL: -2.5}})
	assert.Equal(t, 60.15, s.RealizedPnL)
	assert.Equal(t, 7.5, s.UnrealizedPnL)
	assert.Equal(t, 67.65, s.TotalPnL)
	assert.Equal(t, 2, s.ClosedCount)
	assert.Equal(t, 2, s.OpenPositions)
}
