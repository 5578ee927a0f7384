package model

import (
	"time"

	"github.com/google/uuid"
)

type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TripFilter selects ledger rows by user and/or route within a trip date range.
type TripFilter struct {
	Range   DateRange
	UserID  *uuid.UUID
	RouteID *uuid.UUID
	Status  *TripStatus
	Limit   int
}

func (f TripFilter) ClampRange(defaultRange, maxRange int) TripFilter {
	if f.Range.From.IsZero() || f.Range.To.IsZero() {
		f.Range.To = time.Now().UTC()
		f.Range.From = f.Range.To.AddDate(0, 0, -defaultRange)
	}
	if f.Range.To.Before(f.Range.From) {
		f.Range.To = f.Range.From.Add(24 * time.Hour)
	}
	if f.Range.To.Sub(f.Range.From) > time.Duration(maxRange)*24*time.Hour {
		f.Range.From = f.Range.To.Add(-time.Duration(maxRange) * 24 * time.Hour)
	}
	return f
}

func (f TripFilter) ClampLimit(defaultLimit, maxLimit int) TripFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLimit
	case f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	return f
}
