package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Append is the sole write path for facts. Every state change in drey is an
// event appended here (or staged by an operation into its own transaction via
// BuildEvent and StageEvent); read-model rows are only ever projections of
// appended events.

// BuildEvent turns a Draft into a fully-formed Event: it assigns the ID,
// timestamp, schema version, scope, and producer, marshals the payload, and
// runs validation plus the secret scan. It performs no I/O.
func (c *Client) BuildEvent(s Scope, d Draft) (*Event, error) {
	if err := s.Validate(); err != nil {
		return nil, E(KindInvalidArgument, "invalid scope: %v", err)
	}
	if err := d.Type.Validate(); err != nil {
		return nil, E(KindInvalidArgument, "%v", err)
	}
	if d.CorrelationID == "" {
		return nil, E(KindInvalidArgument, "correlation_id cannot be empty")
	}

	payload := json.RawMessage("{}")
	if d.Payload != nil {
		raw, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", d.Type, err)
		}
		payload = raw
	}

	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}

	event := &Event{
		ID:             NewID(),
		TenantID:       s.TenantID,
		ProjectID:      s.ProjectID,
		Type:           d.Type,
		Version:        EventSchemaVersion,
		TS:             c.NowMS(),
		CorrelationID:  d.CorrelationID,
		CausationID:    d.CausationID,
		CommandID:      d.CommandID,
		RunID:          d.RunID,
		CardID:         d.CardID,
		DecisionID:     d.DecisionID,
		IdempotencyKey: d.IdempotencyKey,
		Producer:       c.producer,
		Tags:           tags,
		Payload:        payload,
	}

	if err := event.Validate(); err != nil {
		return nil, E(KindInvalidArgument, "invalid event: %v", err)
	}
	if err := scanEventForSecrets(event); err != nil {
		return nil, err
	}

	return event, nil
}

// StageEvent queues the writes that persist an event: the event hash, the
// time and correlation ZSETs, the tenant-wide type ZSET, and the idempotency
// guard when the event carries a key. Callers are responsible for running the
// pipe inside a transaction that watched the idempotency key if they rely on
// exactly-once semantics.
func (c *Client) StageEvent(ctx context.Context, pipe redis.Pipeliner, e *Event) error {
	hash, err := EventToHash(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	scope := Scope{TenantID: e.TenantID, ProjectID: e.ProjectID}
	score := float64(e.TS)

	pipe.HSet(ctx, EventKey(scope, e.ID), hash)
	pipe.ZAdd(ctx, EventsByTimeKey(scope), redis.Z{Score: score, Member: e.ID})
	pipe.ZAdd(ctx, EventsByCorrelationKey(scope, e.CorrelationID), redis.Z{Score: score, Member: e.ID})
	pipe.ZAdd(ctx, EventsByTypeKey(e.TenantID, e.Type), redis.Z{Score: score, Member: TypeIndexMember(e.ProjectID, e.ID)})
	if e.IdempotencyKey != "" {
		pipe.SetNX(ctx, IdempKey(scope, e.IdempotencyKey), e.ID, 0)
	}

	return nil
}

// PublishEvent pushes a committed event onto the project's live stream.
// Best effort: the stream is a wake-up hint, so a failed publish is dropped
// rather than failing an append that already committed.
func (c *Client) PublishEvent(ctx context.Context, e *Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	scope := Scope{TenantID: e.TenantID, ProjectID: e.ProjectID}
	_ = c.rdb.Publish(ctx, EventStreamChannel(scope), raw).Err()
}

// Append validates, persists, and publishes a single event.
//
// When the draft carries an idempotency key that was already used in this
// project, nothing is written: the original event is returned with duplicate
// set to true. Composite operations that need to append an event atomically
// with row updates should instead call BuildEvent and StageEvent inside their
// own transaction; Append is for events that stand alone.
func (c *Client) Append(ctx context.Context, s Scope, d Draft) (event *Event, duplicate bool, err error) {
	event, err = c.BuildEvent(s, d)
	if err != nil {
		return nil, false, err
	}

	if d.IdempotencyKey == "" {
		err = c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			return c.StageEvent(ctx, pipe, event)
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to append %s: %w", d.Type, err)
		}
		c.PublishEvent(ctx, event)
		return event, false, nil
	}

	idempKey := IdempKey(s, d.IdempotencyKey)
	var original *Event

	err = c.Atomically(ctx, func(tx *redis.Tx) error {
		original = nil

		originalID, err := tx.Get(ctx, idempKey).Result()
		if err == nil {
			existing, err := c.GetEvent(ctx, s, originalID)
			if err != nil {
				return fmt.Errorf("idempotency key %q names missing event %s: %w", d.IdempotencyKey, originalID, err)
			}
			original = existing
			return nil
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return c.StageEvent(ctx, pipe, event)
		})
		return err
	}, idempKey)
	if err != nil {
		return nil, false, err
	}

	if original != nil {
		return original, true, nil
	}

	c.PublishEvent(ctx, event)
	return event, false, nil
}
