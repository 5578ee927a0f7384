package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserUsageReport is the read projection over one user's monthly summaries.
type UserUsageReport struct {
	UserID    uuid.UUID        `json:"user_id"`
	Summaries []MonthlySummary `json:"summaries"`
	Totals    UsageTotals      `json:"totals"`
}

type UsageTotals struct {
	Trips       int64           `json:"trips"`
	Spent       decimal.Decimal `json:"spent"`
	Distance    decimal.Decimal `json:"distance"`
	AvgTripCost decimal.Decimal `json:"avg_trip_cost"`
}

func TotalsOf(summaries []MonthlySummary) UsageTotals {
	totals := UsageTotals{Spent: decimal.Zero, Distance: decimal.Zero}
	for _, s := range summaries {
		totals.Trips += s.TotalTrips
		totals.Spent = totals.Spent.Add(s.TotalSpent)
		totals.Distance = totals.Distance.Add(s.TotalDistance)
	}
	totals.AvgTripCost = AverageCost(totals.Spent, totals.Trips)
	return totals
}

// RouteRanking is a route's analytics row with its share of network revenue.
type RouteRanking struct {
	RouteAnalytics
	RevenueShare float64 `json:"revenue_share"`
}

// MaintenanceReport describes one maintenance run.
type MaintenanceReport struct {
	Operation    string `json:"operation"`
	RowsAffected int64  `json:"rows_affected"`
}
