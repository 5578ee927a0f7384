package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"transit-analytics/internal/config"
	"transit-analytics/internal/db"
	"transit-analytics/internal/logger"
	"transit-analytics/internal/metrics"
	"transit-analytics/internal/model"
	"transit-analytics/internal/repository"
	"transit-analytics/internal/service"
)

var seedRoutes = []struct {
	code string
	name string
	mode model.TransportMode
}{
	{"B12", "Harbour Loop", model.ModeBus},
	{"B40", "Airport Express", model.ModeBus},
	{"M1", "Red Line", model.ModeMetro},
	{"M2", "Blue Line", model.ModeMetro},
	{"T3", "Riverside Tram", model.ModeTram},
	{"R5", "Coastal Rail", model.ModeRail},
	{"F1", "Island Ferry", model.ModeFerry},
}

var payments = []model.PaymentMethod{model.PaymentCard, model.PaymentMobile, model.PaymentCash}

func main() {
	users := flag.Int("users", 50, "number of riders")
	tripsPerUser := flag.Int("trips", 40, "trips per rider")
	days := flag.Int("days", 60, "spread trips over this many past days")
	workers := flag.Int("workers", 8, "concurrent writers")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.Environment)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	tripRepo := repository.NewTripRepository(database)
	aggregateRepo := repository.NewAggregateRepository(database)
	engine := service.NewAggregationEngine(
		database,
		tripRepo,
		aggregateRepo,
		service.RetryPolicy{
			MaxAttempts:    cfg.Aggregation.MaxAttempts,
			InitialBackoff: cfg.Aggregation.InitialBackoff,
			MaxBackoff:     cfg.Aggregation.MaxBackoff,
		},
		metrics.NewAggregation(prometheus.NewRegistry()),
		appLogger,
	)
	trips := service.NewTripService(database, tripRepo, engine, appLogger)

	ctx := context.Background()
	routes := make([]model.Route, 0, len(seedRoutes))
	for _, r := range seedRoutes {
		route, err := trips.RegisterRoute(ctx, model.Route{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte("route:"+r.code)),
			Code:          r.code,
			Name:          r.name,
			TransportMode: r.mode,
		})
		if err != nil {
			appLogger.Fatal().Err(err).Str("route", r.code).Msg("failed to register route")
		}
		routes = append(routes, *route)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*workers)

	start := time.Now()
	for i := 0; i < *users; i++ {
		userID := uuid.New()
		rng := rand.New(rand.NewSource(int64(i) + 1))
		g.Go(func() error {
			for n := 0; n < *tripsPerUser; n++ {
				if _, err := trips.RecordTrip(gctx, randomTrip(rng, userID, routes, *days)); err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		appLogger.Fatal().Err(err).Msg("seeding failed")
	}

	appLogger.Info().
		Int("users", *users).
		Int("trips", *users**tripsPerUser).
		Dur("took", time.Since(start)).
		Msg("seed complete")
}

func randomTrip(rng *rand.Rand, userID uuid.UUID, routes []model.Route, days int) model.NewTrip {
	route := routes[rng.Intn(len(routes))]
	startTime := time.Now().UTC().
		AddDate(0, 0, -rng.Intn(days)).
		Truncate(time.Hour).
		Add(-time.Duration(rng.Intn(24)) * time.Hour)
	endTime := startTime.Add(time.Duration(5+rng.Intn(55)) * time.Minute)
	distance := decimal.New(int64(50+rng.Intn(2500)), -2)

	status := model.TripCompleted
	if rng.Intn(20) == 0 {
		status = model.TripCancelled
	}

	return model.NewTrip{
		UserID:           userID,
		RouteID:          route.ID,
		StartTime:        startTime,
		EndTime:          &endTime,
		FarePaid:         decimal.New(int64(150+rng.Intn(350)), -2),
		DistanceTraveled: &distance,
		PaymentMethod:    payments[rng.Intn(len(payments))],
		Status:           status,
	}
}
