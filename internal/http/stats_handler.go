package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"sitepulse/internal/analytics"
	"sitepulse/internal/geo"
	"sitepulse/internal/http/middleware"
	"sitepulse/internal/pkg/async"
	"sitepulse/internal/projects"
)

const dateLayout = "2006-01-02"

// CountryCountResult is a country row with its display name resolved.
type CountryCountResult struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// StatsResponse is the read-side view of one project's rollups.
type StatsResponse struct {
	Domain              string                        `json:"domain"`
	From                time.Time                     `json:"from"`
	To                  time.Time                     `json:"to"`
	Totals              analytics.Totals              `json:"totals"`
	TopRoutes           []analytics.RouteCountResult  `json:"top_routes"`
	TopCountries        []CountryCountResult          `json:"top_countries"`
	TopDevices          []analytics.MetricCountResult `json:"top_devices"`
	TopOperatingSystems []analytics.MetricCountResult `json:"top_operating_systems"`
	TopSources          []analytics.MetricCountResult `json:"top_sources"`
	Daily               []analytics.DailyPoint        `json:"daily"`
	Performance         analytics.PerformanceSummary  `json:"performance"`
}

// parseWindow reads the from/to query values. Dates select whole UTC days;
// RFC 3339 timestamps are used as given. Missing values fall back to the
// default window.
func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	var from, to time.Time

	if fromStr != "" {
		t, err := parseBound(fromStr, false)
		if err != nil {
			return from, to, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if toStr != "" {
		t, err := parseBound(toStr, true)
		if err != nil {
			return from, to, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return from, to, fmt.Errorf("from is after to")
	}
	return from, to, nil
}

func parseBound(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Nanosecond), nil
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// NewProjectStatsAction handles GET /api/projects/:domain/stats, reading the
// rollups from db.
func NewProjectStatsAction(db *gorm.DB) func(ctx *cartridge.Context) error {
	return func(ctx *cartridge.Context) error {
		project, ok := ctx.Locals(middleware.ProjectLocalsKey).(*projects.Project)
		if !ok || project == nil {
			return ctx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Project not found"})
		}

		from, to, err := parseWindow(ctx.Query("from"), ctx.Query("to"))
		if err != nil {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		params := analytics.NewProjectScopedQueryParams(project.ID, from, to)

		ctx.Logger.Debug("Stats request",
			slog.String("domain", project.Domain),
			slog.Time("from", params.From),
			slog.Time("to", params.To))

		resp, err := buildStatsResponse(ctx.Ctx.UserContext(), db, project, params)
		if err != nil {
			ctx.Logger.Error("Failed to build stats", slog.String("domain", project.Domain), slog.Any("error", err))
			return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load stats"})
		}

		return ctx.JSON(resp)
	}
}

func buildStatsResponse(reqCtx context.Context, db *gorm.DB, project *projects.Project, params analytics.ProjectScopedQueryParams) (*StatsResponse, error) {
	db = db.WithContext(reqCtx)

	dimension := func(d analytics.Dimension) func() (interface{}, error) {
		return func() (interface{}, error) {
			return analytics.GetVisitorsByDimension(db, params, d)
		}
	}

	tasks := []async.Task{
		{
			Name: "totals",
			Execute: func() (interface{}, error) {
				return analytics.GetTotals(db, project.ID)
			},
		},
		{
			Name: "routes",
			Execute: func() (interface{}, error) {
				return analytics.GetTopRoutes(db, params)
			},
		},
		{Name: "countries", Execute: dimension(analytics.DimensionCountry)},
		{Name: "devices", Execute: dimension(analytics.DimensionDevice)},
		{Name: "os", Execute: dimension(analytics.DimensionOS)},
		{Name: "sources", Execute: dimension(analytics.DimensionSource)},
		{
			Name: "daily",
			Execute: func() (interface{}, error) {
				return analytics.GetDailySeries(db, params)
			},
		},
		{
			Name: "performance",
			Execute: func() (interface{}, error) {
				return analytics.GetPerformanceSummary(db, params)
			},
		},
	}

	pool := async.NewPool(4)
	results := pool.Execute(reqCtx, tasks)

	for name, result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("error fetching %s: %w", name, result.Err)
		}
	}

	return &StatsResponse{
		Domain:              project.Domain,
		From:                params.From,
		To:                  params.To,
		Totals:              results["totals"].Data.(analytics.Totals),
		TopRoutes:           ensureNonNil(results["routes"].Data.([]analytics.RouteCountResult)),
		TopCountries:        withCountryNames(getMetricResultsOrEmpty(results, "countries")),
		TopDevices:          getMetricResultsOrEmpty(results, "devices"),
		TopOperatingSystems: getMetricResultsOrEmpty(results, "os"),
		TopSources:          getMetricResultsOrEmpty(results, "sources"),
		Daily:               ensureNonNil(results["daily"].Data.([]analytics.DailyPoint)),
		Performance:         results["performance"].Data.(analytics.PerformanceSummary),
	}, nil
}

func withCountryNames(rows []analytics.MetricCountResult) []CountryCountResult {
	out := make([]CountryCountResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, CountryCountResult{
			Code:  row.Name,
			Name:  geo.DisplayName(row.Name),
			Count: row.Count,
		})
	}
	return out
}

func getMetricResultsOrEmpty(results map[string]async.Result, name string) []analytics.MetricCountResult {
	if result, exists := results[name]; exists && result.Data != nil {
		return ensureNonNil(result.Data.([]analytics.MetricCountResult))
	}
	return []analytics.MetricCountResult{}
}

func ensureNonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
