package domain

import (
	"time"
)

// DeliveryStatus represents the redelivery state of a task message as it
// moves through the broker's consumer group.
type DeliveryStatus string

const (
	DeliveryStatusNone      DeliveryStatus = "none"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusExhausted DeliveryStatus = "exhausted"
	DeliveryStatusDLQ       DeliveryStatus = "dlq"
)

// DeliveryInfo tracks redelivery attempts for a single correlation id as a
// worker's consumer handler repeatedly fails to complete it. It is not
// persisted on its own; the worker keeps it in memory per in-flight message
// and mirrors AttemptCount onto Task.RetryCount.
type DeliveryInfo struct {
	AttemptCount  int
	LastAttemptAt time.Time
	Status        DeliveryStatus
	LastError     string
}

// ShouldEscalateToDLQ reports whether a message that failed again should be
// escalated to the dead-letter queue rather than nacked for redelivery.
func (d *DeliveryInfo) ShouldEscalateToDLQ(maxDeliveryAttempts int) bool {
	return d.AttemptCount >= maxDeliveryAttempts
}

// RecordFailure increments the attempt counter and stashes the error.
func (d *DeliveryInfo) RecordFailure(err error) {
	d.AttemptCount++
	d.LastAttemptAt = time.Now()
	d.Status = DeliveryStatusRetrying
	if err != nil {
		d.LastError = err.Error()
	}
}

// MarkDLQ transitions to the terminal DLQ state.
func (d *DeliveryInfo) MarkDLQ() {
	d.Status = DeliveryStatusDLQ
}

// DLQRecord is the record written to the dead-letter store when a task
// message exceeds config.Config.MaxDeliveryAttempts. It carries enough of
// the original message and failure context to support manual reprocessing.
type DLQRecord struct {
	CorrelationID    string      `json:"correlation_id"`
	OriginalMessage  TaskMessage `json:"original_message"`
	AttemptCount     int         `json:"attempt_count"`
	FailureReason    string      `json:"failure_reason"`
	MovedToDLQAt     time.Time   `json:"moved_to_dlq_at"`
	CanBeReprocessed bool        `json:"can_be_reprocessed"`
}
