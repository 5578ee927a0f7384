package db

import (
	"fmt"

	"gorm.io/gorm"

	"transit-analytics/internal/model"
)

// postgresStatements run after the tables exist. They add the constraints and
// BI views gorm tags cannot express.
var postgresStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "pgcrypto";`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_trips_fare_non_negative') THEN
			ALTER TABLE trips ADD CONSTRAINT chk_trips_fare_non_negative CHECK (fare_paid >= 0);
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_trips_distance_non_negative') THEN
			ALTER TABLE trips ADD CONSTRAINT chk_trips_distance_non_negative CHECK (distance_traveled IS NULL OR distance_traveled >= 0);
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_trips_status') THEN
			ALTER TABLE trips ADD CONSTRAINT chk_trips_status CHECK (status IN ('completed', 'cancelled', 'in_progress'));
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_trips_payment_method') THEN
			ALTER TABLE trips ADD CONSTRAINT chk_trips_payment_method CHECK (payment_method IN ('card', 'mobile', 'cash'));
		END IF;
	END
	$$;`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_monthly_summaries_totals') THEN
			ALTER TABLE monthly_summaries ADD CONSTRAINT chk_monthly_summaries_totals
				CHECK (total_trips >= 0 AND total_spent >= 0 AND total_distance >= 0 AND month BETWEEN 1 AND 12);
		END IF;
		IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'chk_route_analytics_totals') THEN
			ALTER TABLE route_analytics ADD CONSTRAINT chk_route_analytics_totals
				CHECK (total_trips >= 0 AND total_revenue >= 0 AND (peak_usage_hour IS NULL OR peak_usage_hour BETWEEN 0 AND 23));
		END IF;
	END
	$$;`,
	`CREATE INDEX IF NOT EXISTS idx_trips_pending_fold ON trips (id) WHERE status = 'completed' AND aggregated_at IS NULL;`,
	`CREATE OR REPLACE VIEW v_user_monthly_usage AS
	SELECT
		ms.user_id,
		ms.year,
		ms.month,
		ms.total_trips,
		ms.total_spent,
		ms.total_distance,
		ms.avg_trip_cost,
		ms.most_used_mode,
		ms.last_updated
	FROM monthly_summaries ms;`,
	`CREATE OR REPLACE VIEW v_route_performance AS
	SELECT
		ra.route_id,
		r.code AS route_code,
		r.name AS route_name,
		r.transport_mode,
		ra.total_trips,
		ra.total_revenue,
		ra.avg_trips_per_day,
		ra.peak_usage_hour,
		ra.last_updated
	FROM route_analytics ra
	LEFT JOIN routes r ON r.id = ra.route_id;`,
}

// Migrate creates the ledger and aggregate tables. PostgreSQL additionally
// gets check constraints, the pending-fold index and the read views.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Route{},
		&model.Trip{},
		&model.MonthlySummary{},
		&model.RouteAnalytics{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return runMigrations(db)
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range postgresStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
