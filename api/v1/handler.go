package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"sitepulse/internal/aggregation"
	"sitepulse/internal/ingest"
	"sitepulse/internal/storage"
)

const (
	errInvalidPayload = "Invalid event payload"
	errBusy           = "Service busy, please retry"
	errRecordFailed   = "Failed to record event"
	codeAggregation   = "AGGREGATION_ERROR"
)

// EventHandler serves the ingestion endpoints.
type EventHandler struct {
	classifier *ingest.Classifier
	engine     *aggregation.Engine
}

// NewEventHandler wires the classifier and the aggregation engine into HTTP handlers.
func NewEventHandler(classifier *ingest.Classifier, engine *aggregation.Engine) *EventHandler {
	return &EventHandler{classifier: classifier, engine: engine}
}

func requestMeta(c *fiber.Ctx) ingest.RequestMeta {
	return ingest.RequestMeta{
		Header:   func(name string) string { return c.Get(name) },
		ClientIP: clientIP(c),
	}
}

// collect classifies and aggregates one raw payload.
func (h *EventHandler) collect(ctx context.Context, body []byte, meta ingest.RequestMeta) (*ingest.ClassifiedEvent, error) {
	classified, err := h.classifier.ClassifyRaw(ctx, body, meta)
	if err != nil {
		return nil, err
	}
	if err := h.engine.Apply(ctx, classified); err != nil {
		return nil, err
	}
	return classified, nil
}

// Create handles POST /api/event.
//
// Soft rejections (local URL, domain mismatch, unknown project) answer 200
// with an error body so the tracking client never retries or surfaces them.
func (h *EventHandler) Create(ctx *cartridge.Context) error {
	classified, err := h.collect(ctx.Ctx.UserContext(), ctx.Body(), requestMeta(ctx.Ctx))
	if err != nil {
		return h.respondError(ctx, err)
	}

	return ctx.Status(http.StatusOK).JSON(fiber.Map{
		"success":  true,
		"event":    classified.Name,
		"received": true,
	})
}

func (h *EventHandler) respondError(ctx *cartridge.Context, err error) error {
	var rejection *ingest.RejectionError
	if errors.As(err, &rejection) {
		return ctx.Status(http.StatusOK).JSON(fiber.Map{
			"error": rejection.Message,
			"code":  rejection.Code,
		})
	}

	var classification *ingest.ClassificationError
	if errors.As(err, &classification) {
		ctx.Logger.Debug("Invalid event payload", slog.Any("error", err))
		return ctx.Status(http.StatusBadRequest).JSON(fiber.Map{
			"error": errInvalidPayload,
		})
	}

	if storage.IsBusy(err) {
		ctx.Logger.Warn("Database busy while recording event", slog.Any("error", err))
		return ctx.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
			"error": errBusy,
		})
	}

	ctx.Logger.Error("Failed to record event", slog.Any("error", err))
	return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
		"error": errRecordFailed,
		"code":  codeAggregation,
	})
}

// Beacon handles POST /api/event/beacon. Beacons are sent as text/plain during
// page unload and nobody reads the response, so it always answers 202.
func (h *EventHandler) Beacon(ctx *cartridge.Context) error {
	classified, err := h.collect(ctx.Ctx.UserContext(), ctx.Body(), requestMeta(ctx.Ctx))
	if err != nil {
		var rejection *ingest.RejectionError
		var classification *ingest.ClassificationError
		switch {
		case errors.As(err, &rejection), errors.As(err, &classification):
			ctx.Logger.Debug("Dropped beacon event", slog.Any("error", err))
		default:
			ctx.Logger.Error("Failed to record beacon event", slog.Any("error", err))
		}
		return ctx.SendStatus(http.StatusAccepted)
	}

	ctx.Logger.Debug("Recorded beacon event", slog.String("event", string(classified.Name)))
	return ctx.SendStatus(http.StatusAccepted)
}
