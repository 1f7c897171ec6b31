// Package redisstore provides a Redis implementation of workflow.Store.
// A record is one hash keyed by alert id; retention is the key TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

const keyPrefix = "workflow:"

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/workflow/redisstore")

// Store persists workflow records in Redis.
type Store struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// Dial parses a redis:// URL and verifies connectivity.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}

// New returns a Store on rdb. retention <= 0 keeps records forever. The
// caller owns the client.
func New(rdb redis.UniversalClient, retention time.Duration) *Store {
	return &Store{rdb: rdb, retention: retention}
}

func key(alertID string) string { return keyPrefix + alertID }

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Put sets one hash field and restarts the record's TTL in the same
// transaction.
func (s *Store) Put(ctx context.Context, alertID string, field workflow.Field, value json.RawMessage) error {
	ctx, span := startSpan(ctx, "redisstore.Put", "HSET")
	defer span.End()

	k := key(alertID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, string(field), []byte(value))
		if s.retention > 0 {
			pipe.Expire(ctx, k, s.retention)
		}
		return nil
	})
	if err != nil {
		return fail(span, fmt.Errorf("hset %s: %w", field, err))
	}
	return nil
}

// Get reads one hash field.
func (s *Store) Get(ctx context.Context, alertID string, field workflow.Field) (json.RawMessage, bool, error) {
	ctx, span := startSpan(ctx, "redisstore.Get", "HGET")
	defer span.End()

	b, err := s.rdb.HGet(ctx, key(alertID), string(field)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("hget %s: %w", field, err))
	}
	return json.RawMessage(b), true, nil
}

// GetAll reads the whole hash.
func (s *Store) GetAll(ctx context.Context, alertID string) (*workflow.Record, error) {
	ctx, span := startSpan(ctx, "redisstore.GetAll", "HGETALL")
	defer span.End()

	m, err := s.rdb.HGetAll(ctx, key(alertID)).Result()
	if err != nil {
		return nil, fail(span, fmt.Errorf("hgetall: %w", err))
	}

	fields := make(map[workflow.Field]json.RawMessage, len(m))
	for name, v := range m {
		fields[workflow.Field(name)] = json.RawMessage(v)
	}
	return workflow.DecodeRecord(alertID, fields)
}
