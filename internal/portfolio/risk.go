package portfolio

import (
	"fmt"
	"log"
	"sync"

	"trading-valuation/internal/valuation"
)

// RiskLimits are account-level thresholds watched on every publish.
// A zero value disables that limit.
type RiskLimits struct {
	// MaxMargin caps total required margin, home currency.
	MaxMargin float64 `json:"max_margin" yaml:"max_margin"`
	// MaxLoss caps total unrealized loss, home currency, as a positive number.
	MaxLoss          float64 `json:"max_loss" yaml:"max_loss"`
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxExposure      float64 `json:"max_exposure" yaml:"max_exposure"`
}

// DefaultRiskLimits returns limits with every check disabled.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{}
}

// Breach is a change in the state of one limit.
type Breach struct {
	Limit     string  `json:"limit"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Cleared   bool    `json:"cleared"`
}

func (b Breach) String() string {
	if b.Cleared {
		return fmt.Sprintf("%s back within limit: %.2f <= %.2f", b.Limit, b.Value, b.Threshold)
	}
	return fmt.Sprintf("%s limit breached: %.2f > %.2f", b.Limit, b.Value, b.Threshold)
}

// RiskWatch evaluates totals against RiskLimits and reports transitions only,
// so a persistent breach is reported once.
type RiskWatch struct {
	mu       sync.Mutex
	limits   RiskLimits
	breached map[string]bool
	last     valuation.Totals
	exposure float64
}

// NewRiskWatch creates a RiskWatch with the given limits.
func NewRiskWatch(limits RiskLimits) *RiskWatch {
	return &RiskWatch{
		limits:   limits,
		breached: make(map[string]bool),
	}
}

// Check evaluates the current totals and exposure and returns the limits
// that were entered or cleared since the previous call.
func (rw *RiskWatch) Check(t valuation.Totals, exposure float64) []Breach {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.last, rw.exposure = t, exposure

	var out []Breach
	eval := func(name string, value, threshold float64) {
		if threshold <= 0 {
			return
		}
		over := value > threshold
		if over == rw.breached[name] {
			return
		}
		rw.breached[name] = over
		b := Breach{Limit: name, Value: value, Threshold: threshold, Cleared: !over}
		log.Printf("[risk] %s", b)
		out = append(out, b)
	}

	eval("margin", t.Margin, rw.limits.MaxMargin)
	eval("loss", -t.PL, rw.limits.MaxLoss)
	eval("positions", float64(t.Positions), float64(rw.limits.MaxOpenPositions))
	eval("exposure", exposure, rw.limits.MaxExposure)
	return out
}

// GetStatus returns current risk status.
func (rw *RiskWatch) GetStatus() map[string]interface{} {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	breached := make([]string, 0, len(rw.breached))
	for k, v := range rw.breached {
		if v {
			breached = append(breached, k)
		}
	}
	return map[string]interface{}{
		"pl":       rw.last.PL,
		"margin":   rw.last.Margin,
		"exposure": rw.exposure,
		"breached": breached,
		"limits":   rw.limits,
	}
}
