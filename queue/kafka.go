package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/pkg/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// JobMessage is the wire payload on the jobs topic. Kafka has no native
// delayed delivery, so deferral rides on NotBefore: consumers that fetch a
// message early wait out the remainder before dispatching.
type JobMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	NotBefore time.Time `json:"not_before"`
}

type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *logrus.Logger
}

func NewProducer(cfg *config.KafkaConfig, logger *logrus.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &Producer{writer: writer, topic: cfg.Topic, logger: logger}
}

// Publish submits a job id keyed by itself so redeliveries of the same job
// land on the same partition.
func (p *Producer) Publish(ctx context.Context, jobID uuid.UUID, notBefore time.Time) error {
	payload, err := json.Marshal(JobMessage{JobID: jobID, NotBefore: notBefore})
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(jobID.String()),
		Value: payload,
	}); err != nil {
		return err
	}
	metrics.KafkaMessagesTotal.WithLabelValues(p.topic, "produced").Inc()
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Handler processes one delivered job id. Returning an error leaves the
// message uncommitted so another consumer can retry it.
type Handler func(ctx context.Context, msg JobMessage) error

type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *logrus.Logger
}

func NewConsumer(cfg *config.KafkaConfig, logger *logrus.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	return &Consumer{reader: reader, topic: cfg.Topic, logger: logger}
}

// Run fetches and handles messages until ctx is cancelled. Malformed
// payloads are committed and skipped; handler errors leave the offset
// uncommitted.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WithError(err).Warn("kafka fetch failed")
			time.Sleep(time.Second)
			continue
		}
		metrics.KafkaMessagesTotal.WithLabelValues(c.topic, "consumed").Inc()

		var jobMsg JobMessage
		if err := json.Unmarshal(msg.Value, &jobMsg); err != nil {
			c.logger.WithError(err).Warn("skipping malformed job message")
			_ = c.reader.CommitMessages(context.Background(), msg)
			continue
		}

		// A handler error leaves this offset uncommitted, but a later commit
		// on the same partition advances past it, so redelivery is only
		// guaranteed until the next successful message or a group rebalance.
		// The job row stays queued in the database either way, which is what
		// makes the dropped delivery recoverable.
		if err := handle(ctx, jobMsg); err != nil {
			c.logger.WithError(err).WithField("job_id", jobMsg.JobID).Error("job handling failed")
			continue
		}
		if err := c.reader.CommitMessages(context.Background(), msg); err != nil {
			c.logger.WithError(err).Warn("kafka commit failed")
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func splitBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
