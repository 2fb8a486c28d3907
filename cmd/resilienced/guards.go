package main

import (
	"context"

	"github.com/abrkgrbz/Stocker-sub077/resilience/auditfallback"
	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
)

// guardedPublisher sends broker publishes through the rabbitmq breaker.
func guardedPublisher(breakers *circuitbreaker.Registry, next outbox.Publisher) outbox.Publisher {
	return outbox.PublisherFunc(func(ctx context.Context, msg *outbox.Message) error {
		_, err := breakers.Execute(ctx, breakerRabbitMQ, func(ctx context.Context) (any, error) {
			return nil, next.Publish(ctx, msg)
		})

		return err
	})
}

// guardedSink sends audit writes through the postgres breaker.
func guardedSink(breakers *circuitbreaker.Registry, next auditfallback.Sink) auditfallback.Sink {
	return auditfallback.SinkFunc(func(ctx context.Context, rec *auditfallback.Record) error {
		_, err := breakers.Execute(ctx, breakerPostgres, func(ctx context.Context) (any, error) {
			return nil, next.WriteAudit(ctx, rec)
		})

		return err
	})
}

// logSink writes audit records to the log when no database is configured.
func logSink(logger log.Logger) auditfallback.Sink {
	return auditfallback.SinkFunc(func(ctx context.Context, rec *auditfallback.Record) error {
		logger.Log(ctx, log.LevelInfo, "audit",
			log.String("tenant_id", rec.TenantID),
			log.String("action", rec.Action),
			log.String("entity_type", rec.EntityType),
			log.String("entity_id", rec.EntityID),
			log.String("actor", rec.Actor))

		return nil
	})
}
