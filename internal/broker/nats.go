// Package broker implements the Task Broker against NATS JetStream: a
// durable stream with two pull consumers, each capped at MaxAckPending=1
// to realize "prefetch = 1 per worker" so a long evaluation never starves
// a peer.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

const (
	defenseSubject = "jobs.defense"
	attackSubject  = "jobs.attack"
)

// Broker wraps a JetStream context and implements interfaces.Broker.
type Broker struct {
	js              jetstream.JetStream
	stream          jetstream.Stream
	defenseConsumer jetstream.Consumer
	attackConsumer  jetstream.Consumer
	logger          *common.Logger
}

// Config names the NATS connection and durable consumer identities.
type Config struct {
	URL             string
	StreamName      string
	DefenseConsumer string
	AttackConsumer  string
	AckWait         time.Duration
}

// Connect dials NATS, ensures the stream and both durable pull consumers
// exist, and returns a ready Broker.
func Connect(ctx context.Context, cfg Config, logger *common.Logger) (*Broker, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{defenseSubject, attackSubject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: create stream %s: %w", cfg.StreamName, err)
	}

	defenseConsumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.DefenseConsumer,
		FilterSubject: defenseSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1, // prefetch = 1
		AckWait:       cfg.AckWait,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: create defense consumer: %w", err)
	}

	attackConsumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.AttackConsumer,
		FilterSubject: attackSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		AckWait:       cfg.AckWait,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: create attack consumer: %w", err)
	}

	return &Broker{
		js:              js,
		stream:          stream,
		defenseConsumer: defenseConsumer,
		attackConsumer:  attackConsumer,
		logger:          logger,
	}, nil
}

// PublishDefenseJob publishes a run_defense_job envelope.
func (b *Broker) PublishDefenseJob(ctx context.Context, payload models.DefenseJobPayload, jobID string) error {
	env := models.Envelope{
		Task:                     models.TaskRunDefenseJob,
		JobID:                    jobID,
		DefenseSubmissionID:      payload.DefenseSubmissionID,
		Scope:                    payload.Scope,
		IncludeBehaviorDifferent: payload.IncludeBehaviorDifferent,
	}
	return b.publish(ctx, defenseSubject, env)
}

// PublishAttackJob publishes a run_attack_job envelope.
func (b *Broker) PublishAttackJob(ctx context.Context, payload models.AttackJobPayload, jobID string) error {
	env := models.Envelope{
		Task:                models.TaskRunAttackJob,
		JobID:               jobID,
		AttackSubmissionID:  payload.AttackSubmissionID,
	}
	return b.publish(ctx, attackSubject, env)
}

func (b *Broker) publish(ctx context.Context, subject string, env models.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, raw); err != nil {
		return fmt.Errorf("broker: publish %s: %w", subject, err)
	}
	return nil
}

// ConsumeDefenseJobs pulls one defense envelope at a time (MaxAckPending=1
// already bounds in-flight work) and invokes handler; nil acks, a
// returned error naks so the broker redelivers per its own policy.
func (b *Broker) ConsumeDefenseJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error {
	return consumeLoop(ctx, b.defenseConsumer, handler, b.logger)
}

// ConsumeAttackJobs is the attack-job analogue of ConsumeDefenseJobs.
func (b *Broker) ConsumeAttackJobs(ctx context.Context, handler func(context.Context, models.Envelope) error) error {
	return consumeLoop(ctx, b.attackConsumer, handler, b.logger)
}

func consumeLoop(ctx context.Context, consumer jetstream.Consumer, handler func(context.Context, models.Envelope) error, logger *common.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout || err == context.DeadlineExceeded {
				continue
			}
			return fmt.Errorf("broker: fetch: %w", err)
		}

		for msg := range msgs.Messages() {
			var env models.Envelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				logger.Error().Err(err).Msg("broker: envelope decode failed, terminating message")
				_ = msg.Term()
				continue
			}
			if err := handler(ctx, env); err != nil {
				logger.Error().Err(err).Str("job_id", env.JobID).Msg("broker: handler failed, nak for redelivery")
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
		if err := msgs.Error(); err != nil && err != nats.ErrTimeout {
			logger.Error().Err(err).Msg("broker: fetch batch error")
		}
	}
}

// Close closes the underlying NATS connection without draining it.
func (b *Broker) Close() {
	b.js.Conn().Close()
}
