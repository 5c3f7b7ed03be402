// Package kafka publishes build status change events for downstream
// consumers (dashboards, notifiers).
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cetmix/runboat/internal/models"
)

// BuildStatusEvent is the message published on every build status change.
type BuildStatusEvent struct {
	EventType string       `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
	Build     models.Build `json:"build"`
	Message   string       `json:"message"`
}

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokerURL, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokerURL),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &Publisher{writer: writer}
}

// PublishBuildStatus emits one status change event, keyed by build name so
// that per-build ordering is preserved.
func (p *Publisher) PublishBuildStatus(ctx context.Context, build models.Build, message string) error {
	event := BuildStatusEvent{
		EventType: "BUILD_STATUS_CHANGED",
		Timestamp: time.Now().UTC(),
		Build:     build,
		Message:   message,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(build.Name),
		Value: value,
	})
	if err != nil {
		log.Printf("failed to write kafka message: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// EnsureTopicExists creates the status topic if the broker does not have it
// yet.
func EnsureTopicExists(brokerURL, topic string) error {
	conn, err := kafka.Dial("tcp", brokerURL)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := []kafka.TopicConfig{
		{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		},
	}
	if err := controllerConn.CreateTopics(topicConfigs...); err != nil && !isTopicExists(err) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// isTopicExists tells a redundant topic creation apart from a real broker
// error.
func isTopicExists(err error) bool {
	return errors.Is(err, kafka.TopicAlreadyExists)
}
