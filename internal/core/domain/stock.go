package domain

import "time"

type StockKind string

const (
	StockKindMaterial     StockKind = "material"
	StockKindFinishedGood StockKind = "finished_good"
)

func (k StockKind) Valid() bool {
	return k == StockKindMaterial || k == StockKindFinishedGood
}

// StockEntity is one trackable item. Finished goods use the product ID as
// their entity ID; materials are counted in grams.
type StockEntity struct {
	ID               string
	Kind             StockKind
	OnHand           int64
	Reserved         int64 // always <= OnHand
	MinimumThreshold int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (e StockEntity) Available() int64 {
	if a := e.OnHand - e.Reserved; a > 0 {
		return a
	}
	return 0
}

// LowStockEvent is emitted when a reservation takes an entity's available
// quantity below its minimum threshold.
type LowStockEvent struct {
	EntityID  string    `json:"entity_id"`
	Kind      StockKind `json:"kind"`
	Available int64     `json:"available"`
	Threshold int64     `json:"threshold"`
	At        time.Time `json:"at"`
}

// CrossedBelowThreshold reports whether taking delta units out of the
// available quantity moved e under its threshold.
func (e StockEntity) CrossedBelowThreshold(delta int64) bool {
	if e.MinimumThreshold <= 0 || delta <= 0 {
		return false
	}
	after := e.Available()
	return after < e.MinimumThreshold && after+delta >= e.MinimumThreshold
}
