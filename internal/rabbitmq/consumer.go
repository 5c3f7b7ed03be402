// Package rabbitmq consumes build requests published by other services (CI
// frontends, bots) and forwards them to the controller.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cetmix/runboat/internal/models"
)

const (
	ExchangeName = "runboat"
	ExchangeType = "topic"
	QueueBuilds  = "runboat.builds"
)

// Event types understood by the consumer.
const (
	EventBuildRequested = "BUILD_REQUESTED"
	EventBuildStop      = "BUILD_STOP_REQUESTED"
)

// Deployer is the slice of the controller the consumer needs.
type Deployer interface {
	DeployOrDelayStart(ctx context.Context, spec models.BuildSpec) error
	StopBuild(ctx context.Context, name string) error
}

type BuildEvent struct {
	EventType string       `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   BuildPayload `json:"payload"`
}

type BuildPayload struct {
	// Identity of the commit to deploy, for BUILD_REQUESTED.
	Repo         string `json:"repo"`
	TargetBranch string `json:"target_branch"`
	PR           int    `json:"pr,omitempty"`
	GitCommit    string `json:"git_commit"`
	// Build name, for BUILD_STOP_REQUESTED.
	Name string `json:"name,omitempty"`
}

// Consumer processes build request messages from RabbitMQ.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	deployer Deployer
}

// NewConsumer connects to RabbitMQ and declares the exchange and queue.
func NewConsumer(rabbitMQURL string, deployer Deployer) (*Consumer, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueBuilds,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare builds queue: %w", err)
	}

	err = ch.QueueBind(
		QueueBuilds,
		"build.*", // routing key pattern
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	// Process one message at a time.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	log.Println("RabbitMQ consumer connected and queue bound")

	return &Consumer{conn: conn, channel: ch, deployer: deployer}, nil
}

// Start consumes messages until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		QueueBuilds,
		"runboat", // consumer tag
		false,     // auto-ack (we ack manually)
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log.Println("RabbitMQ consumer started, waiting for build requests")

	for {
		select {
		case <-ctx.Done():
			log.Println("RabbitMQ consumer shutting down")
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			if err := c.handleMessage(ctx, msg.Body); err != nil {
				log.Printf("error processing message: %v", err)
				// Malformed payloads are dropped, transient failures requeued.
				requeue := !isMalformed(err)
				msg.Nack(false, requeue)
			} else {
				msg.Ack(false)
			}
		}
	}
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func isMalformed(err error) bool {
	var m *malformedError
	return errors.As(err, &m)
}

func (c *Consumer) handleMessage(ctx context.Context, body []byte) error {
	var event BuildEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return &malformedError{fmt.Errorf("failed to unmarshal event: %w", err)}
	}

	switch event.EventType {
	case EventBuildRequested:
		p := event.Payload
		if p.Repo == "" || p.TargetBranch == "" || p.GitCommit == "" {
			return &malformedError{fmt.Errorf("incomplete build identity in %s event", event.EventType)}
		}
		spec := models.BuildSpec{
			Repo:         p.Repo,
			TargetBranch: p.TargetBranch,
			PR:           p.PR,
			GitCommit:    p.GitCommit,
		}
		log.Printf("build requested for %s@%s", spec.Repo, spec.GitCommit)
		return c.deployer.DeployOrDelayStart(ctx, spec)
	case EventBuildStop:
		if event.Payload.Name == "" {
			return &malformedError{fmt.Errorf("missing build name in %s event", event.EventType)}
		}
		log.Printf("stop requested for build %s", event.Payload.Name)
		return c.deployer.StopBuild(ctx, event.Payload.Name)
	default:
		log.Printf("ignoring unknown event type %s", event.EventType)
		return nil
	}
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
