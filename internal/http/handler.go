package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"transit-analytics/internal/model"
	"transit-analytics/internal/service"
)

const dateLayout = "2006-01-02"

type Handler struct {
	trips       *service.TripService
	engine      *service.AggregationEngine
	analytics   *service.AnalyticsService
	maintenance *service.MaintenanceService
	log         zerolog.Logger
}

func NewHandler(
	trips *service.TripService,
	engine *service.AggregationEngine,
	analytics *service.AnalyticsService,
	maintenance *service.MaintenanceService,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		trips:       trips,
		engine:      engine,
		analytics:   analytics,
		maintenance: maintenance,
		log:         log,
	}
}

func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("/routes", h.registerRoute)
	r.GET("/routes", h.listRoutes)

	trips := r.Group("/trips")
	trips.POST("", h.recordTrip)
	trips.GET("", h.findTrips)
	trips.GET("/:id", h.getTrip)
	trips.POST("/:id/complete", h.completeTrip)
	trips.POST("/:id/cancel", h.cancelTrip)

	r.POST("/events/trip-completed", h.tripCompletedEvent)

	analytics := r.Group("/analytics")
	analytics.GET("/users/:user_id/summaries", h.getUserUsage)
	analytics.GET("/users/:user_id/summaries/:year/:month", h.getMonthlySummary)
	analytics.GET("/routes", h.topRoutes)
	analytics.GET("/routes/:route_id", h.getRouteAnalytics)

	maintenance := r.Group("/maintenance")
	maintenance.POST("/cleanup", h.cleanup)
	maintenance.POST("/route-stats", h.refreshRouteStats)
	maintenance.POST("/most-used-mode", h.refreshMostUsedModes)
	maintenance.POST("/redrive", h.redrive)
}

type routeRequest struct {
	ID            uuid.UUID `json:"id"`
	Code          string    `json:"code" binding:"required"`
	Name          string    `json:"name"`
	TransportMode string    `json:"transport_mode" binding:"required"`
}

type recordTripRequest struct {
	UserID           uuid.UUID        `json:"user_id"`
	RouteID          uuid.UUID        `json:"route_id"`
	StartStationID   *uuid.UUID       `json:"start_station_id"`
	EndStationID     *uuid.UUID       `json:"end_station_id"`
	TripDate         string           `json:"trip_date"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          *time.Time       `json:"end_time"`
	FarePaid         decimal.Decimal  `json:"fare_paid"`
	DistanceTraveled *decimal.Decimal `json:"distance_traveled"`
	PaymentMethod    string           `json:"payment_method" binding:"required"`
	Status           string           `json:"status"`
}

type transitionRequest struct {
	EndTime *time.Time `json:"end_time"`
}

type cleanupRequest struct {
	RetainMonths int `json:"retain_months" binding:"required,min=1"`
}

func (h *Handler) registerRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	route, err := h.trips.RegisterRoute(c.Request.Context(), model.Route{
		ID:            req.ID,
		Code:          strings.TrimSpace(req.Code),
		Name:          strings.TrimSpace(req.Name),
		TransportMode: model.TransportMode(strings.ToLower(req.TransportMode)),
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(route))
}

func (h *Handler) listRoutes(c *gin.Context) {
	routes, err := h.trips.ListRoutes(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(routes))
}

func (h *Handler) recordTrip(c *gin.Context) {
	var req recordTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	input := model.NewTrip{
		UserID:           req.UserID,
		RouteID:          req.RouteID,
		StartStationID:   req.StartStationID,
		EndStationID:     req.EndStationID,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		FarePaid:         req.FarePaid,
		DistanceTraveled: req.DistanceTraveled,
		PaymentMethod:    model.PaymentMethod(strings.ToLower(req.PaymentMethod)),
		Status:           model.TripStatus(strings.ToLower(req.Status)),
	}
	if dateStr := strings.TrimSpace(req.TripDate); dateStr != "" {
		parsed, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("trip_date must be YYYY-MM-DD"))
			return
		}
		input.TripDate = parsed
	}

	trip, err := h.trips.RecordTrip(c.Request.Context(), input)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(trip))
}

func (h *Handler) getTrip(c *gin.Context) {
	tripID, ok := parseTripID(c)
	if !ok {
		return
	}

	trip, err := h.trips.GetTrip(c.Request.Context(), tripID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(trip))
}

func (h *Handler) completeTrip(c *gin.Context) {
	h.transition(c, h.trips.CompleteTrip)
}

func (h *Handler) cancelTrip(c *gin.Context) {
	h.transition(c, h.trips.CancelTrip)
}

type transitionFunc func(ctx context.Context, tripID int64, endTime *time.Time) (*model.Trip, error)

func (h *Handler) transition(c *gin.Context, apply transitionFunc) {
	tripID, ok := parseTripID(c)
	if !ok {
		return
	}

	var req transitionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	trip, err := apply(c.Request.Context(), tripID, req.EndTime)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(trip))
}

func (h *Handler) findTrips(c *gin.Context) {
	filter := model.TripFilter{}

	if fromStr := strings.TrimSpace(c.Query("from")); fromStr != "" {
		if parsed, err := time.Parse(dateLayout, fromStr); err == nil {
			filter.Range.From = parsed
		}
	}
	if toStr := strings.TrimSpace(c.Query("to")); toStr != "" {
		if parsed, err := time.Parse(dateLayout, toStr); err == nil {
			filter.Range.To = parsed
		}
	}
	if userStr := strings.TrimSpace(c.Query("user_id")); userStr != "" {
		if id, err := uuid.Parse(userStr); err == nil {
			filter.UserID = &id
		}
	}
	if routeStr := strings.TrimSpace(c.Query("route_id")); routeStr != "" {
		if id, err := uuid.Parse(routeStr); err == nil {
			filter.RouteID = &id
		}
	}
	if statusStr := strings.TrimSpace(c.Query("status")); statusStr != "" {
		status := model.TripStatus(strings.ToLower(statusStr))
		if status.Valid() {
			filter.Status = &status
		}
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	trips, err := h.trips.FindTrips(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if trips == nil {
		trips = []model.Trip{}
	}

	c.JSON(http.StatusOK, successResponse(trips))
}

func (h *Handler) tripCompletedEvent(c *gin.Context) {
	var event model.TripCompletedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	if err := h.engine.HandleTripCompleted(c.Request.Context(), event); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, successResponse(gin.H{"trip_id": event.TripID}))
}

func (h *Handler) getUserUsage(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}

	var year *int
	if yearStr := strings.TrimSpace(c.Query("year")); yearStr != "" {
		parsed, err := strconv.Atoi(yearStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid year"))
			return
		}
		year = &parsed
	}

	report, err := h.analytics.GetUserUsage(c.Request.Context(), userID, year)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) getMonthlySummary(c *gin.Context) {
	userID, ok := parseUUIDParam(c, "user_id")
	if !ok {
		return
	}
	period, ok := parsePeriod(c, c.Param("year"), c.Param("month"))
	if !ok {
		return
	}

	summary, err := h.analytics.GetMonthlySummary(c.Request.Context(), userID, period)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(summary))
}

func (h *Handler) topRoutes(c *gin.Context) {
	limit := 0
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}

	routes, err := h.analytics.TopRoutes(c.Request.Context(), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(routes))
}

func (h *Handler) getRouteAnalytics(c *gin.Context) {
	routeID, ok := parseUUIDParam(c, "route_id")
	if !ok {
		return
	}

	analytics, err := h.analytics.GetRouteAnalytics(c.Request.Context(), routeID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(analytics))
}

func (h *Handler) cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	deleted, err := h.maintenance.Cleanup(c.Request.Context(), req.RetainMonths)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(model.MaintenanceReport{Operation: "cleanup", RowsAffected: deleted}))
}

func (h *Handler) refreshRouteStats(c *gin.Context) {
	updated, err := h.maintenance.RefreshRouteStats(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(model.MaintenanceReport{Operation: "route_stats", RowsAffected: updated}))
}

func (h *Handler) refreshMostUsedModes(c *gin.Context) {
	var (
		updated int64
		err     error
	)
	yearStr, monthStr := strings.TrimSpace(c.Query("year")), strings.TrimSpace(c.Query("month"))
	if yearStr == "" && monthStr == "" {
		updated, err = h.maintenance.RefreshRecentModes(c.Request.Context())
	} else {
		period, ok := parsePeriod(c, yearStr, monthStr)
		if !ok {
			return
		}
		updated, err = h.maintenance.RefreshMostUsedModes(c.Request.Context(), period)
	}
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(model.MaintenanceReport{Operation: "most_used_mode", RowsAffected: updated}))
}

func (h *Handler) redrive(c *gin.Context) {
	redriven, err := h.maintenance.RedrivePending(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(model.MaintenanceReport{Operation: "redrive", RowsAffected: int64(redriven)}))
}

func parseTripID(c *gin.Context) (int64, bool) {
	tripID, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || tripID <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid trip id"))
		return 0, false
	}
	return tripID, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

func parsePeriod(c *gin.Context, yearStr, monthStr string) (model.Period, bool) {
	year, err := strconv.Atoi(strings.TrimSpace(yearStr))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid year"))
		return model.Period{}, false
	}
	month, err := strconv.Atoi(strings.TrimSpace(monthStr))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid month"))
		return model.Period{}, false
	}
	return model.Period{Year: year, Month: month}, true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrTripNotTerminal):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidTrip):
		c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
	case errors.Is(err, service.ErrKeyConflictExhausted):
		h.log.Warn().Err(err).Msg("aggregate contention")
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{"data": data}
}

func errorResponse(message string) gin.H {
	return gin.H{"error": message}
}
