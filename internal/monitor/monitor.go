// Package monitor implements the monitoring event bus (spec §6): a
// fire-and-forget broadcast of TaskEventOccurred over Redis pub/sub
// (SPEC_FULL.md §2). The recovery advisory lock lives in internal/recovery,
// which is handed the same Redis client.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Severity classifies a monitoring event (spec §6).
type Severity string

const (
	Information Severity = "information"
	Warning     Severity = "warning"
	Error       Severity = "error"
)

// TaskEventOccurred is the structured notification emitted after each
// execution attempt with lifecycle significance (spec §6).
type TaskEventOccurred struct {
	TaskID          uuid.UUID  `json:"task_id"`
	EventDateUtc    time.Time  `json:"event_date_utc"`
	Severity        Severity   `json:"severity"`
	TaskType        string     `json:"task_type"`
	TaskHandlerType string     `json:"task_handler_type"`
	TaskParameters  string     `json:"task_parameters,omitempty"`
	Message         string     `json:"message"`
	Exception       string     `json:"exception,omitempty"`
	ExecutionLogs   []string   `json:"execution_logs,omitempty"`
}

const channel = "evertask:events"

// Bus publishes TaskEventOccurred notifications fire-and-forget over a Redis
// pub/sub channel; a nil client degrades to a no-op so the core works
// without Redis configured.
type Bus struct {
	client *redis.Client
	logger *log.Logger
}

func NewBus(client *redis.Client, logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{client: client, logger: logger}
}

// Publish broadcasts event without blocking the caller on subscriber
// failures (spec §4.7 step 10: "task completion is not blocked by monitor
// failures").
func (b *Bus) Publish(ctx context.Context, event TaskEventOccurred) {
	if b.client == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Printf("evertask: monitor: failed to marshal event for task %s: %v", event.TaskID, err)
		return
	}
	go func() {
		publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.Publish(publishCtx, channel, payload).Err(); err != nil {
			b.logger.Printf("evertask: monitor: publish failed for task %s: %v", event.TaskID, err)
		}
	}()
}

// Subscribe returns a channel of decoded events for in-process monitors.
func (b *Bus) Subscribe(ctx context.Context) <-chan TaskEventOccurred {
	out := make(chan TaskEventOccurred)
	if b.client == nil {
		close(out)
		return out
	}
	sub := b.client.Subscribe(ctx, channel)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event TaskEventOccurred
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Printf("evertask: monitor: failed to decode event: %v", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
