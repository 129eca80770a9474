package margin

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"trading-valuation/internal/model"
)

const (
	// PerLotThreshold separates the two meanings of a margin value: above it
	// the value is a fixed home-currency amount per lot, at or below it the
	// value is a leverage divisor.
	PerLotThreshold = 1000.0

	DefaultDivisor      = 10.0
	DefaultNotionalUnit = 100000.0
	DefaultMinPerLot    = 20.0
)

// Rules is the margin and brokerage configuration.
type Rules struct {
	Margin    map[model.InstrumentClass]float64 `yaml:"margin"`
	Brokerage BrokerageRules                    `yaml:"brokerage"`
}

// BrokerageRules configures the brokerage fee charged at open.
type BrokerageRules struct {
	// PerLot is a fee per lot keyed by canonical underlying symbol.
	PerLot map[string]float64 `yaml:"per_lot"`

	// PerNotional is a fee per NotionalUnit of home notional, keyed by class.
	PerNotional  map[model.InstrumentClass]float64 `yaml:"per_notional"`
	NotionalUnit float64                           `yaml:"notional_unit"`

	// ForeignPerLot is a home-currency fee per lot for foreign classes.
	ForeignPerLot map[model.InstrumentClass]float64 `yaml:"foreign_per_lot"`

	// MinPerLot is charged per lot when nothing else yields a fee.
	MinPerLot float64 `yaml:"min_per_lot"`

	// Aliases maps alternative underlying names onto canonical ones.
	Aliases map[string]string `yaml:"aliases"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Margin: map[model.InstrumentClass]float64{
			model.ClassFutures:   DefaultDivisor,
			model.ClassEquity:    5,
			model.ClassOption:    1,
			model.ClassCrypto:    5,
			model.ClassForex:     1500,
			model.ClassCommodity: 2000,
		},
		Brokerage: BrokerageRules{
			PerLot: map[string]float64{
				"NIFTY":      40,
				"BANKNIFTY":  40,
				"FINNIFTY":   40,
				"MIDCPNIFTY": 40,
				"SENSEX":     40,
			},
			PerNotional: map[model.InstrumentClass]float64{
				model.ClassEquity:  30,
				model.ClassFutures: 20,
				model.ClassOption:  50,
			},
			NotionalUnit: DefaultNotionalUnit,
			ForeignPerLot: map[model.InstrumentClass]float64{
				model.ClassForex:     15,
				model.ClassCrypto:    25,
				model.ClassCommodity: 20,
			},
			MinPerLot: DefaultMinPerLot,
			Aliases: map[string]string{
				"NIFTY50":     "NIFTY",
				"NIFTYBANK":   "BANKNIFTY",
				"NIFTYFIN":    "FINNIFTY",
				"NIFTYMIDCAP": "MIDCPNIFTY",
			},
		},
	}
}

// ParseRules decodes a YAML rules document on top of DefaultRules.
// Keys present in the document override the defaults; absent keys keep them.
func ParseRules(b []byte) (Rules, error) {
	r := DefaultRules()
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("margin: parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// Validate rejects negative values and unknown classes.
func (r Rules) Validate() error {
	known := make(map[model.InstrumentClass]bool, len(model.AllClasses))
	for _, c := range model.AllClasses {
		known[c] = true
	}
	check := func(section string, m map[model.InstrumentClass]float64) error {
		for c, v := range m {
			if !known[c] {
				return fmt.Errorf("margin: %s: unknown instrument class %q", section, c)
			}
			if v < 0 {
				return fmt.Errorf("margin: %s: negative value %v for %s", section, v, c)
			}
		}
		return nil
	}
	if err := check("margin", r.Margin); err != nil {
		return err
	}
	if err := check("brokerage.per_notional", r.Brokerage.PerNotional); err != nil {
		return err
	}
	if err := check("brokerage.foreign_per_lot", r.Brokerage.ForeignPerLot); err != nil {
		return err
	}
	for s, v := range r.Brokerage.PerLot {
		if v < 0 {
			return fmt.Errorf("margin: brokerage.per_lot: negative value %v for %s", v, s)
		}
	}
	if r.Brokerage.NotionalUnit < 0 || r.Brokerage.MinPerLot < 0 {
		return fmt.Errorf("margin: brokerage: notional_unit and min_per_lot must not be negative")
	}
	return nil
}

// YAML renders the rules document.
func (r Rules) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}
