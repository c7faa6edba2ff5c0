package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	retrySuffix = ".retry"
	dlqSuffix   = ".dlq"

	publishTimeout = 5 * time.Second
	retryDelay     = 15 * time.Second
)

// JobMessage is the wire payload for one queued generation. The worker
// resolves the full job row by id; everything else is a tracing convenience.
type JobMessage struct {
	JobID      string `json:"job_id"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// DeclareTopology declares the generation-job queues on the given channel:
// the main queue dead-letters rejected jobs to <queue>.dlq, and <queue>.retry
// TTLs messages back onto the main queue. Publisher and worker both call this
// so either side can start first against a fresh broker.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	declare := func(name string, args amqp.Table) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, args)
		if err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		return nil
	}

	if err := declare(queue+dlqSuffix, nil); err != nil {
		return err
	}
	if err := declare(queue+retrySuffix, amqp.Table{
		"x-message-ttl":             int32(retryDelay / time.Millisecond),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	return declare(queue, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + dlqSuffix,
	})
}

// Publisher enqueues generation jobs on the main queue.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishJob enqueues a job id as a persistent message on the default
// exchange.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	now := time.Now()
	body, err := json.Marshal(JobMessage{JobID: jobID, EnqueuedAt: now.Unix()})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Timestamp:    now,
			Body:         body,
		},
	)
}
