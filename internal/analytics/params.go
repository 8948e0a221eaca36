package analytics

import (
	"time"
)

const defaultLimit = 50

// ProjectScopedQueryParams contains common parameters for project-scoped queries
type ProjectScopedQueryParams struct {
	ProjectID uint
	From      time.Time
	To        time.Time
	Limit     int // Number of records to return
}

// NewProjectScopedQueryParams creates query params for the given project and window.
// A zero window defaults to the last 30 days.
func NewProjectScopedQueryParams(projectID uint, from, to time.Time) ProjectScopedQueryParams {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = DayBucket(to).AddDate(0, 0, -30)
	}

	return ProjectScopedQueryParams{
		ProjectID: projectID,
		From:      from.UTC(),
		To:        to.UTC(),
		Limit:     defaultLimit,
	}
}

func (p ProjectScopedQueryParams) limit() int {
	if p.Limit <= 0 {
		return defaultLimit
	}
	return p.Limit
}
