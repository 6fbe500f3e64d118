package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is where submissions wait for a processing worker.
const DefaultTopic = "feedback.process"

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaQueue is a durable Queue over a single topic. Workers in the
// same group share the partition load.
type KafkaQueue struct {
	writer kafkaWriter
	reader kafkaReader
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaQueue{writer: writer, reader: reader}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	if q == nil || q.writer == nil {
		return fmt.Errorf("kafka queue not initialized")
	}
	value, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.FeedbackID.String()),
		Value: value,
	})
}

func (q *KafkaQueue) Dequeue(ctx context.Context) (Job, error) {
	if q == nil || q.reader == nil {
		return Job{}, fmt.Errorf("kafka queue not initialized")
	}
	msg, err := q.reader.ReadMessage(ctx)
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return Job{}, fmt.Errorf("malformed job payload: %w", err)
	}
	return job, nil
}

func (q *KafkaQueue) Close() error {
	if q == nil {
		return nil
	}
	var firstErr error
	if q.writer != nil {
		if err := q.writer.Close(); err != nil {
			firstErr = err
		}
	}
	if q.reader != nil {
		if err := q.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
