package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sitepulse/internal/analytics"
)

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

// schema whitelists the identifiers that may appear in generated SQL.
var schema = map[string]map[string]bool{
	analytics.AggregatesTable: {
		"project_id": true, "total_page_visits": true, "total_visitors": true,
	},
	analytics.DailyStatsTable: {
		"aggregate_id": true, "date": true, "page_visits": true, "visitors": true,
	},
	analytics.RouteStatsTable: {
		"aggregate_id": true, "route": true, "page_visits": true, "visitors": true,
	},
	analytics.CountryStatsTable: {
		"aggregate_id": true, "country": true, "visitors": true,
	},
	analytics.DeviceStatsTable: {
		"aggregate_id": true, "device": true, "visitors": true,
	},
	analytics.OSStatsTable: {
		"aggregate_id": true, "os": true, "visitors": true,
	},
	analytics.SourceStatsTable: {
		"aggregate_id": true, "source": true, "visitors": true,
	},
	analytics.PerformanceSamplesTable: {
		"aggregate_id": true, "load_time": true, "dom_ready": true, "network_latency": true,
		"processing_time": true, "total_time": true, "date": true,
	},
}

func checkColumns(table string, cols []Column) error {
	allowed, ok := schema[table]
	if !ok {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	for _, c := range cols {
		if !allowed[c.Name] {
			return fmt.Errorf("%w: column %q on %s", ErrInvalidIdentifier, c.Name, table)
		}
	}
	return nil
}

// buildUpsert renders
//
//	INSERT INTO t (k..., c..., created_at, updated_at) VALUES (...)
//	ON CONFLICT (k...) DO UPDATE SET c = t.c + excluded.c, updated_at = excluded.updated_at
//	RETURNING id
//
// which both SQLite (3.35+) and Postgres execute atomically.
func buildUpsert(u Upsert, now time.Time, ph placeholder) (string, []any, error) {
	if len(u.Key) == 0 {
		return "", nil, fmt.Errorf("storage: upsert on %s has no key columns", u.Table)
	}
	if err := checkColumns(u.Table, u.Key); err != nil {
		return "", nil, err
	}
	if err := checkColumns(u.Table, u.Increments); err != nil {
		return "", nil, err
	}

	cols := make([]string, 0, len(u.Key)+len(u.Increments)+2)
	args := make([]any, 0, cap(cols))
	keys := make([]string, 0, len(u.Key))

	for _, c := range u.Key {
		cols = append(cols, c.Name)
		keys = append(keys, c.Name)
		args = append(args, c.Value)
	}
	for _, c := range u.Increments {
		cols = append(cols, c.Name)
		args = append(args, c.Value)
	}
	cols = append(cols, "created_at", "updated_at")
	args = append(args, now, now)

	sets := make([]string, 0, len(u.Increments)+1)
	for _, c := range u.Increments {
		sets = append(sets, fmt.Sprintf("%[1]s = %[2]s.%[1]s + excluded.%[1]s", c.Name, u.Table))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING id",
		u.Table,
		strings.Join(cols, ", "),
		placeholders(len(cols), ph),
		strings.Join(keys, ", "),
		strings.Join(sets, ", "),
	)
	return b.String(), args, nil
}

// buildInsert renders a plain INSERT with a created_at stamp.
func buildInsert(table string, row []Column, now time.Time, ph placeholder) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("storage: insert on %s has no columns", table)
	}
	if err := checkColumns(table, row); err != nil {
		return "", nil, err
	}

	cols := make([]string, 0, len(row)+1)
	args := make([]any, 0, len(row)+1)
	for _, c := range row {
		cols = append(cols, c.Name)
		args = append(args, c.Value)
	}
	cols = append(cols, "created_at")
	args = append(args, now)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols), ph))
	return query, args, nil
}

func placeholders(n int, ph placeholder) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(i + 1)
	}
	return strings.Join(parts, ", ")
}
