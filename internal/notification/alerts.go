package notification

import (
	"fmt"
	"time"

	"trading-valuation/internal/model"
	"trading-valuation/internal/portfolio"
)

// RateAlert describes a reliability transition of the conversion rate.
func RateAlert(r model.ExchangeRate) Alert {
	if r.Reliable {
		return Alert{
			Level:   AlertInfo,
			Title:   "Conversion rate restored",
			Message: fmt.Sprintf("rate %.4f as of %s; foreign positions are valued again", r.Value, r.UpdatedAt.Format(time.RFC3339)),
		}
	}
	msg := "no conversion rate available; foreign positions await a rate"
	if r.Value > 0 {
		msg = fmt.Sprintf("last good rate %.4f from %s is too old; foreign positions await a rate", r.Value, r.UpdatedAt.Format(time.RFC3339))
	}
	return Alert{Level: AlertWarning, Title: "Conversion rate unreliable", Message: msg}
}

// BreachAlert describes a risk limit crossing or clearing.
func BreachAlert(b portfolio.Breach) Alert {
	if b.Cleared {
		return Alert{Level: AlertInfo, Title: "Risk limit cleared", Message: b.String()}
	}
	return Alert{Level: AlertCritical, Title: "Risk limit breached", Message: b.String()}
}
