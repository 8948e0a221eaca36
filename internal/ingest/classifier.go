// Package ingest validates inbound tracking events and enriches them with
// country, device, OS and traffic-source labels before aggregation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"sitepulse/internal/geo"
	"sitepulse/internal/metrics"
	"sitepulse/internal/pkg/user_agent"
	"sitepulse/internal/projects"
	"sitepulse/pkg/event"
)

// DirectSource is the traffic source of events with no source or UTM attribution.
const DirectSource = "direct"

// ProjectFinder resolves a domain to its registered project.
type ProjectFinder interface {
	FindProjectByDomain(ctx context.Context, domain string) (*projects.Project, error)
}

// RequestMeta is the request metadata the classifier reads besides the body.
type RequestMeta struct {
	Header   geo.HeaderGetter
	ClientIP string
}

// ClassifiedEvent is one validated, enriched event ready for aggregation.
type ClassifiedEvent struct {
	Project    *projects.Project
	Name       event.Name
	URL        string
	Path       string
	Referrer   string
	Country    string
	Device     string
	OS         string
	Source     string
	Bot        bool
	VisitorID  string
	SessionID  string
	ReceivedAt time.Time
	Data       map[string]interface{}
}

// Classifier is stateless apart from its read-only collaborators.
type Classifier struct {
	projects ProjectFinder
	geo      *geo.Resolver
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewClassifier builds a classifier. resolver may be nil, in which case only
// edge headers are consulted for the country.
func NewClassifier(finder ProjectFinder, resolver *geo.Resolver, logger *slog.Logger) *Classifier {
	return &Classifier{
		projects: finder,
		geo:      resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Decode parses and validates a raw JSON payload.
func (c *Classifier) Decode(body []byte) (*event.Payload, error) {
	var payload event.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ClassificationError{Err: fmt.Errorf("decode: %w", err)}
	}
	if err := c.validate.Struct(&payload); err != nil {
		return nil, &ClassificationError{Err: err}
	}
	return &payload, nil
}

// ClassifyRaw decodes body and classifies it.
func (c *Classifier) ClassifyRaw(ctx context.Context, body []byte, meta RequestMeta) (*ClassifiedEvent, error) {
	payload, err := c.Decode(body)
	if err != nil {
		metrics.ClassificationFailures.Inc()
		return nil, err
	}
	return c.Classify(ctx, payload, meta)
}

// Classify validates payload in a fixed order (local URL, domain mismatch,
// unknown project), stopping at the first failure, then enriches it.
func (c *Classifier) Classify(ctx context.Context, payload *event.Payload, meta RequestMeta) (*ClassifiedEvent, error) {
	if IsLocalURL(payload.URL) {
		return nil, c.rejected(reject(RejectLocalURL, "Events from local or internal URLs are ignored", nil), payload)
	}

	domain := projects.NormalizeDomain(payload.Domain)
	if !strings.Contains(strings.ToLower(payload.URL), domain) {
		return nil, c.rejected(reject(RejectDomainMismatch, "URL does not match the configured domain", nil), payload)
	}

	project, err := c.projects.FindProjectByDomain(ctx, domain)
	if err != nil {
		var notFound *projects.NotFoundError
		if errors.As(err, &notFound) {
			return nil, c.rejected(reject(RejectUnknownProject, "Project not found - please register your domain first", err), payload)
		}
		return nil, fmt.Errorf("find project: %w", err)
	}

	header := meta.Header
	if header == nil {
		header = func(string) string { return "" }
	}

	ua := user_agent.ParseUserAgent(resolveUserAgent(payload.UserAgent, header))
	if ua.Bot {
		metrics.BotEvents.Inc()
	}

	classified := &ClassifiedEvent{
		Project:    project,
		Name:       payload.Event,
		URL:        payload.URL,
		Path:       payload.Path,
		Referrer:   payload.Referrer,
		Country:    c.geo.Resolve(header, meta.ClientIP),
		Device:     ua.Device,
		OS:         ua.OS,
		Source:     trafficSource(payload),
		Bot:        ua.Bot,
		VisitorID:  payload.VisitorID,
		SessionID:  payload.SessionID,
		ReceivedAt: c.now(),
		Data:       payload.Data,
	}

	c.logger.Debug("Classified event",
		slog.String("event", string(classified.Name)),
		slog.String("domain", domain),
		slog.String("country", classified.Country),
		slog.String("device", classified.Device),
		slog.String("os", classified.OS),
		slog.String("source", classified.Source))

	return classified, nil
}

func (c *Classifier) rejected(err *RejectionError, payload *event.Payload) error {
	metrics.EventsRejected.WithLabelValues(string(err.Code)).Inc()
	c.logger.Debug("Rejected event",
		slog.String("code", string(err.Code)),
		slog.String("domain", payload.Domain),
		slog.String("url", payload.URL))
	return err
}

// resolveUserAgent prefers the payload's user agent, then a proxy-forwarded
// one, then the request's own.
func resolveUserAgent(fromPayload string, header geo.HeaderGetter) string {
	if ua := strings.TrimSpace(fromPayload); ua != "" {
		return ua
	}
	if ua := strings.TrimSpace(header("X-Forwarded-User-Agent")); ua != "" {
		return ua
	}
	return strings.TrimSpace(header("User-Agent"))
}

// trafficSource is the first non-empty of source, utm.medium and utm.source.
func trafficSource(payload *event.Payload) string {
	for _, candidate := range []string{payload.Source, payload.UTM.Medium, payload.UTM.Source} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return DirectSource
}
