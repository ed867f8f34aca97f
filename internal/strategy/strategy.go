// Package strategy generates paired trade signals from cross-venue
// market state.
package strategy

import (
	"crossarb-trader/internal/model"
	"crossarb-trader/internal/venue"
)

// Strategy turns the current market state of a master/slave venue pair
// into a paired trade signal, or nil when nothing should happen.
type Strategy interface {
	GenSignal(now int64, symbol string, master, slave venue.Venue) *model.Signal
}
