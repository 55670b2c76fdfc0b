package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/config"
	"github.com/aliskhannn/image-pipeline/internal/model"
)

// sender is the broker write surface of the producer.
type sender interface {
	SendWithRetry(ctx context.Context, strategy retry.Strategy, key, value []byte) error
}

// Producer publishes processing tasks to Kafka. Delivery is at-least-once;
// deduplication is not attempted because job execution is idempotent.
type Producer struct {
	Client   *wbfkafka.Producer
	sender   sender
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy for broker I/O
func New(
	cfg *config.Kafka,
	s retry.Strategy,
) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   producer,
		sender:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Enqueue serializes the task to JSON and sends it to Kafka.
// The image ID is used as the message key for partitioning and ordering.
func (p *Producer) Enqueue(ctx context.Context, task model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := []byte(task.ImageID)

	if err = p.sender.SendWithRetry(ctx, p.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send task: %w", err)
	}

	return nil
}

// EnqueueAfter publishes the task once the given delay has elapsed. Kafka
// has no native per-message delay, so the producer arms a timer and sends
// when it fires. A send lost to process shutdown is tolerated by the
// at-least-once delivery model.
//
// A broker failure after the timer fires is not tolerated: the offset that
// carried this job is already committed, so dropping the send would strand
// the record in processing with nothing left to redeliver it. The goroutine
// keeps retrying until the broker accepts the task or shutdown cancels it.
func (p *Producer) EnqueueAfter(ctx context.Context, delay time.Duration, task model.Task) error {
	if delay <= 0 {
		return p.Enqueue(ctx, task)
	}

	timer := time.NewTimer(delay)

	go func() {
		defer timer.Stop()

		select {
		case <-ctx.Done():
			zlog.Logger.Warn().
				Str("image_id", task.ImageID).
				Msg("delayed enqueue canceled by shutdown")
			return
		case <-timer.C:
		}

		for {
			err := p.Enqueue(ctx, task)
			if err == nil {
				return
			}

			zlog.Logger.Err(err).
				Str("image_id", task.ImageID).
				Msg("failed to enqueue delayed task, retrying")

			select {
			case <-ctx.Done():
				zlog.Logger.Warn().
					Str("image_id", task.ImageID).
					Msg("delayed enqueue canceled by shutdown")
				return
			case <-time.After(p.strategy.Delay):
			}
		}
	}()

	return nil
}
