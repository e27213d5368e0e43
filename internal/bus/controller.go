// Package bus routes NATS request/reply messages to the OpenText
// domain service.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/centerfuze/opentext-service/internal/cache"
	"github.com/centerfuze/opentext-service/internal/opentext"
	"github.com/centerfuze/opentext-service/internal/ratelimit"
)

// Subjects handled by the controller.
const (
	SubjectAccountGet     = "opentext.account.get"
	SubjectAccountSync    = "opentext.account.sync"
	SubjectFaxUsageGet    = "opentext.fax.usage.get"
	SubjectFaxUsageSync   = "opentext.fax.usage.sync"
	SubjectPortingStatus  = "opentext.porting.status"
	SubjectPortingUpdate  = "opentext.porting.update"
	SubjectUsageAggregate = "opentext.usage.aggregate"
	SubjectHealthCheck    = "opentext.health.check"
)

// LimiterStats exposes rate limiter state for health reporting.
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// handlerFunc processes a validated payload and returns the reply
// data, or an error that becomes an error envelope.
type handlerFunc func(ctx context.Context, logger zerolog.Logger, data []byte) (any, error)

// Controller subscribes the opentext.* subjects and dispatches each
// message on its own goroutine with a request ID in the log context.
type Controller struct {
	nc      *nats.Conn
	svc     *opentext.Service
	cache   *cache.Cache // nil when caching is disabled
	limiter LimiterStats
	logger  zerolog.Logger
	schemas map[string]*gojsonschema.Schema
	subs    []*nats.Subscription
}

// NewController creates the bus controller. Schema compilation
// failures are construction errors.
func NewController(nc *nats.Conn, svc *opentext.Service, c *cache.Cache, limiter LimiterStats, logger zerolog.Logger) (*Controller, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Controller{
		nc:      nc,
		svc:     svc,
		cache:   c,
		limiter: limiter,
		logger:  logger.With().Str("component", "bus").Logger(),
		schemas: schemas,
	}, nil
}

// Subscribe sets up all subject subscriptions.
func (c *Controller) Subscribe() error {
	handlers := []struct {
		subject string
		handler handlerFunc
	}{
		{SubjectAccountGet, c.handleAccountGet},
		{SubjectAccountSync, c.handleAccountSync},
		{SubjectFaxUsageGet, c.handleFaxUsageGet},
		{SubjectFaxUsageSync, c.handleFaxUsageSync},
		{SubjectPortingStatus, c.handlePortingStatus},
		{SubjectPortingUpdate, c.handlePortingUpdate},
		{SubjectUsageAggregate, c.handleUsageAggregate},
		{SubjectHealthCheck, c.handleHealthCheck},
	}

	for _, h := range handlers {
		sub, err := c.nc.Subscribe(h.subject, c.dispatch(h.subject, h.handler))
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", h.subject, err)
		}
		c.subs = append(c.subs, sub)
		c.logger.Info().Str("subject", h.subject).Msg("subscribed")
	}

	c.logger.Info().Int("subscriptions", len(c.subs)).Msg("bus subscriptions ready")
	return nil
}

// Close unsubscribes all subjects.
func (c *Controller) Close() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error().Err(err).Msg("error closing subscription")
		}
	}
	c.subs = nil
	c.logger.Info().Msg("bus subscriptions closed")
}

// dispatch wraps a handler with per-message goroutine scheduling,
// request-ID logging, schema validation, and the reply envelope.
func (c *Controller) dispatch(subject string, handler handlerFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		go func() {
			logger := c.logger.With().
				Str("subject", subject).
				Str("request_id", uuid.NewString()).
				Logger()

			data, err := c.handle(context.Background(), logger, subject, handler, msg.Data)
			if err != nil {
				logger.Error().Err(err).Msg("handler failed")
				c.reply(msg, errorEnvelope(err.Error()), logger)
				return
			}
			c.reply(msg, successEnvelope(data), logger)
		}()
	}
}

// handle validates the payload against the subject schema, then runs
// the handler.
func (c *Controller) handle(ctx context.Context, logger zerolog.Logger, subject string, handler handlerFunc, data []byte) (any, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if schema, ok := c.schemas[subject]; ok {
		if err := validatePayload(schema, data); err != nil {
			return nil, err
		}
	}
	return handler(ctx, logger, data)
}

// reply publishes the envelope when the message expects a response.
func (c *Controller) reply(msg *nats.Msg, envelope Envelope, logger zerolog.Logger) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(envelope.encode()); err != nil {
		logger.Error().Err(err).Msg("failed to send response")
	}
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected RFC 3339", value)
	}
	return t, nil
}
