package domain

import "time"

type AvailabilityAnswer struct {
	ProductID         string
	RequestedQuantity int64
	AvailableNow      bool
	AvailableQuantity int64
	// Fulfillable is false when neither stock nor the production queue can
	// cover the request; EarliestFulfillment is nil in that case.
	Fulfillable         bool
	EarliestFulfillment *time.Time
	ComputedAt          time.Time
}

// Milestone is the completion of one queued batch. Cumulative counts queued
// output only, on-hand stock excluded.
type Milestone struct {
	At         time.Time
	JobID      string
	Cumulative int64
}

// Projection is the availability timeline of a product computed for some
// requested quantity. Complete means every open job was walked.
type Projection struct {
	ProductID  string
	Available  int64
	Requested  int64
	Milestones []Milestone
	Complete   bool
	ComputedAt time.Time
}

// Covers reports whether the projection can answer qty exactly.
func (p Projection) Covers(qty int64) bool {
	return qty <= p.Requested || p.Complete
}

func (p Projection) Answer(qty int64) AvailabilityAnswer {
	answer := AvailabilityAnswer{
		ProductID:         p.ProductID,
		RequestedQuantity: qty,
		AvailableQuantity: p.Available,
		ComputedAt:        p.ComputedAt,
	}
	if p.Available >= qty {
		at := p.ComputedAt
		answer.AvailableNow = true
		answer.Fulfillable = true
		answer.EarliestFulfillment = &at
		return answer
	}

	shortfall := qty - p.Available
	for _, m := range p.Milestones {
		if m.Cumulative >= shortfall {
			at := m.At
			answer.Fulfillable = true
			answer.EarliestFulfillment = &at
			return answer
		}
	}
	return answer
}
