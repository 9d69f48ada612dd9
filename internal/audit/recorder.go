// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresphere/phiguard/internal/logging"
)

// Config holds configuration for the audit recorder.
type Config struct {
	// Enabled controls whether audit recording is active.
	Enabled bool `json:"enabled"`

	// RetentionDays is how long to keep audit events.
	RetentionDays int `json:"retention_days"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		RetentionDays: 2190, // six years, HIPAA retention horizon
		BufferSize:    1000,
		WriteTimeout:  5 * time.Second,
	}
}

// Recorder writes audit events through the durable-store collaborator.
//
// Record never returns an error into the caller's critical path: writes
// go through a buffered async channel, and persistence failures are
// logged to the fallback channel and counted so a broken trail stays
// observable without aborting the primary operation.
type Recorder struct {
	config    *Config
	store     Store
	eventChan chan *Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRecorder creates a new audit recorder and starts its async writer.
func NewRecorder(store Store, config *Config) *Recorder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	r := &Recorder{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.asyncWriter()

	return r
}

// asyncWriter drains the buffer into the store.
func (r *Recorder) asyncWriter() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			for {
				select {
				case event := <-r.eventChan:
					r.writeEvent(event)
				default:
					return
				}
			}
		case event := <-r.eventChan:
			r.writeEvent(event)
		}
	}
}

// writeEvent persists one event, logging to the fallback channel on failure.
func (r *Recorder) writeEvent(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.store.Save(ctx, event); err != nil {
		writeFailures.Inc()
		logging.Error().Err(err).
			Str("component", "audit").
			Str("event_id", event.ID).
			Str("action", event.Action).
			Msg("Failed to persist audit event")
	}
}

// Record enqueues an audit event. It never blocks and never fails the
// caller; a full buffer drops the event with a logged warning.
func (r *Recorder) Record(event *Event) {
	if !r.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case r.eventChan <- event:
		eventsRecorded.WithLabelValues(string(event.Outcome)).Inc()
	default:
		writeFailures.Inc()
		logging.Warn().
			Str("component", "audit").
			Str("event_id", event.ID).
			Msg("Audit buffer full, dropping event")
	}
}

// RecordSuccess records a SUCCESS outcome for the given action.
func (r *Recorder) RecordSuccess(ctx context.Context, actorID, action, entity, entityID string, source Source, details any) {
	r.Record(&Event{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Outcome:   OutcomeSuccess,
		Details:   Detail(details),
		IPAddress: source.IPAddress,
		UserAgent: source.UserAgent,
		RequestID: RequestIDFromContext(ctx),
	})
}

// RecordFailure records a FAILURE outcome for the given action.
func (r *Recorder) RecordFailure(ctx context.Context, actorID, action, entity, entityID string, source Source, details any) {
	r.Record(&Event{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Outcome:   OutcomeFailure,
		Details:   Detail(details),
		IPAddress: source.IPAddress,
		UserAgent: source.UserAgent,
		RequestID: RequestIDFromContext(ctx),
	})
}

// RecordError records an ERROR outcome with the normalized detail shape.
func (r *Recorder) RecordError(ctx context.Context, actorID, action, entity, entityID string, source Source, err error) {
	detail := ErrorDetail{}
	if err != nil {
		detail.Message = err.Error()
	}

	r.Record(&Event{
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Outcome:   OutcomeError,
		Details:   Detail(detail),
		IPAddress: source.IPAddress,
		UserAgent: source.UserAgent,
		RequestID: RequestIDFromContext(ctx),
	})
}

// Query retrieves events matching the filter plus the total match count.
// Used only by compliance-report code paths.
func (r *Recorder) Query(ctx context.Context, filter QueryFilter) ([]Event, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryFilter().Limit
	}

	events, err := r.store.Query(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	total, err := r.store.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// PurgeOlderThan deletes events beyond the retention horizon. This is the
// one sanctioned mutation of the trail, and it emits its own audit event
// recording how many records were purged and under what policy.
func (r *Recorder) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)

	purged, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	r.Record(&Event{
		ActorID: "system",
		Action:  ActionRetentionPurge,
		Entity:  "audit_event",
		Outcome: OutcomeSuccess,
		Details: Detail(PurgeDetail{
			Purged:        purged,
			RetentionDays: int(retention.Hours() / 24),
			Policy:        "retention_days",
		}),
	})

	if purged > 0 {
		logging.Info().
			Str("component", "audit").
			Int64("purged", purged).
			Time("cutoff", cutoff).
			Msg("Retention purge complete")
	}

	return purged, nil
}

// Sweep runs one retention purge using the configured retention period.
// Safe to run concurrently with foreground recording.
func (r *Recorder) Sweep(ctx context.Context) error {
	retention := time.Duration(r.config.RetentionDays) * 24 * time.Hour
	if _, err := r.PurgeOlderThan(ctx, retention); err != nil {
		logging.Error().Err(err).Str("component", "audit").Msg("Retention purge error")
		return err
	}
	return nil
}

// Close shuts down the recorder, draining buffered events.
func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
	return nil
}

// Context plumbing for request IDs.

type contextKey string

// RequestIDKey is the context key the routing glue uses for request IDs.
const RequestIDKey contextKey = "request_id"

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok {
		return reqID
	}
	return ""
}
