package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Header keys carried on every task message. task_id and workflow_id form the
// option bag the failure sink uses to locate the task record; the counters
// track re-enqueues.
const (
	headerTaskID     = "task_id"
	headerWorkflowID = "workflow_id"
	headerDeferrals  = "x-deferrals"
	headerRetries    = "x-retries"
)

// envelope is the wire form of a task message body.
type envelope struct {
	Task       json.RawMessage `json:"task"`
	WorkflowID string          `json:"workflow_id"`
}

// TaskMessage is one unit of work on a queue: a serialised task plus the
// routing information needed to re-enqueue or fail it.
type TaskMessage struct {
	MessageID  string
	Queue      string
	WorkflowID string
	TaskID     string
	Task       json.RawMessage
	Deferrals  int // times the message was re-enqueued waiting for upstream
	Retries    int // times the message was re-enqueued after a handler error
}

// Handler consumes one task message. Returning an error only logs it: failure
// routing (retry or failure sink) is the handler's own responsibility, so the
// message is acked either way.
type Handler func(ctx context.Context, msg TaskMessage) error

// Broker is a thin AMQP client for durable named task queues.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	defaultQueue string
}

// Dial connects to the broker and opens a channel.
func Dial(url, defaultQueue string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	slog.Info("broker connection established", "default_queue", defaultQueue)
	return &Broker{conn: conn, ch: ch, defaultQueue: defaultQueue}, nil
}

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		if err := b.ch.Close(); err != nil {
			return fmt.Errorf("failed to close broker channel: %w", err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("failed to close broker connection: %w", err)
		}
	}
	return nil
}

// DefaultQueue returns the queue used when a task does not override it.
func (b *Broker) DefaultQueue() string {
	return b.defaultQueue
}

// QueueFor resolves the queue a task message is routed to.
func (b *Broker) QueueFor(override string) string {
	if override != "" {
		return override
	}
	return b.defaultQueue
}

func (b *Broker) declareQueue(name string) error {
	_, err := b.ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish enqueues a task message on its queue as a persistent delivery.
func (b *Broker) Publish(ctx context.Context, msg TaskMessage) error {
	queue := b.QueueFor(msg.Queue)
	if err := b.declareQueue(queue); err != nil {
		return err
	}

	body, err := json.Marshal(envelope{Task: msg.Task, WorkflowID: msg.WorkflowID})
	if err != nil {
		return fmt.Errorf("failed to encode task message: %w", err)
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	err = b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		MessageId:    messageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers: amqp.Table{
			headerTaskID:     msg.TaskID,
			headerWorkflowID: msg.WorkflowID,
			headerDeferrals:  int32(msg.Deferrals),
			headerRetries:    int32(msg.Retries),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish task %s to queue %s: %w", msg.TaskID, queue, err)
	}

	slog.Debug("task message published",
		"queue", queue,
		"task_id", msg.TaskID,
		"workflow_id", msg.WorkflowID,
		"deferrals", msg.Deferrals,
	)
	return nil
}

// Consume delivers messages from the queue to the handler until the context
// is cancelled. Messages are acked after the handler returns; malformed
// messages are rejected without requeue.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler) error {
	if err := b.declareQueue(queue); err != nil {
		return err
	}
	if err := b.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on queue %s: %w", queue, err)
	}

	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from queue %s: %w", queue, err)
	}

	slog.Info("consuming task messages", "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for queue %s closed", queue)
			}

			msg, err := parseDelivery(queue, delivery)
			if err != nil {
				slog.Error("rejecting malformed task message", "queue", queue, "error", err)
				if err := delivery.Nack(false, false); err != nil {
					slog.Error("failed to reject message", "error", err)
				}
				continue
			}

			if err := handler(ctx, msg); err != nil {
				slog.Error("task message handler failed",
					"queue", queue,
					"task_id", msg.TaskID,
					"workflow_id", msg.WorkflowID,
					"error", err,
				)
			}
			if err := delivery.Ack(false); err != nil {
				slog.Error("failed to ack message", "queue", queue, "error", err)
			}
		}
	}
}

func parseDelivery(queue string, d amqp.Delivery) (TaskMessage, error) {
	var env envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return TaskMessage{}, fmt.Errorf("failed to decode task message body: %w", err)
	}

	msg := TaskMessage{
		MessageID:  d.MessageId,
		Queue:      queue,
		WorkflowID: env.WorkflowID,
		Task:       env.Task,
		Deferrals:  headerInt(d.Headers, headerDeferrals),
		Retries:    headerInt(d.Headers, headerRetries),
	}
	if taskID, ok := d.Headers[headerTaskID].(string); ok {
		msg.TaskID = taskID
	}
	if msg.WorkflowID == "" {
		if workflowID, ok := d.Headers[headerWorkflowID].(string); ok {
			msg.WorkflowID = workflowID
		}
	}
	if msg.TaskID == "" || msg.WorkflowID == "" {
		return TaskMessage{}, fmt.Errorf("task message missing task_id or workflow_id")
	}
	return msg, nil
}

// headerInt reads a numeric header; AMQP tables deliver numbers in several widths.
func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
