package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// PubSubQueue implements intel.TaskQueue on Google Cloud Pub/Sub. Each logical
// queue maps to a topic/subscription pair named "<prefix>-<queue>".
type PubSubQueue struct {
	client *pubsub.Client
	prefix string
	logger *zap.Logger

	mu        sync.Mutex
	receivers map[string]chan intel.Task
	cancels   []context.CancelFunc
}

// NewPubSubQueue creates a Pub/Sub backed queue. It authenticates with
// Application Default Credentials and verifies the client is usable.
func NewPubSubQueue(ctx context.Context, projectID, prefix string, logger *zap.Logger) (*PubSubQueue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &PubSubQueue{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		receivers: make(map[string]chan intel.Task),
	}, nil
}

func (q *PubSubQueue) topicID(queue string) string {
	return fmt.Sprintf("%s-%s", q.prefix, queue)
}

// Enqueue publishes the task and waits for server acknowledgement, so a nil
// return means the task is durably queued.
func (q *PubSubQueue) Enqueue(ctx context.Context, queue string, task intel.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
	}

	topic := q.client.Topic(q.topicID(queue))
	defer topic.Stop()

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"company_id": task.CompanyID, "phase": string(task.Phase)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish task %s to %s: %w", task.ID, q.topicID(queue), err)
	}
	return nil
}

// Dequeue blocks until a task arrives on the queue's subscription or the
// context ends. The first call per queue starts a background receiver that
// lives until Close.
func (q *PubSubQueue) Dequeue(ctx context.Context, queue string) (intel.Task, error) {
	ch := q.receiver(queue)
	select {
	case <-ctx.Done():
		return intel.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-ch:
		return task, nil
	}
}

func (q *PubSubQueue) receiver(queue string) chan intel.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ch, ok := q.receivers[queue]; ok {
		return ch
	}

	ch := make(chan intel.Task)
	q.receivers[queue] = ch

	recvCtx, cancel := context.WithCancel(context.Background())
	q.cancels = append(q.cancels, cancel)

	sub := q.client.Subscription(q.topicID(queue))
	go func() {
		err := sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			var task intel.Task
			if err := json.Unmarshal(msg.Data, &task); err != nil {
				q.logger.Warn("Dropping undecodable task message",
					zap.String("queue", queue),
					zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case ch <- task:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("Pub/Sub receiver stopped",
				zap.String("queue", queue),
				zap.Error(err))
		}
	}()
	return ch
}

// Close stops all receivers and closes the underlying client.
func (q *PubSubQueue) Close() error {
	q.mu.Lock()
	cancels := q.cancels
	q.cancels = nil
	q.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
