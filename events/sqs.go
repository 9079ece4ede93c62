package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	awsevents "github.com/aws/aws-lambda-go/events"
)

// SQSConsumer feeds SQS messages to the dispatcher. Messages that failed
// for a transient reason are reported back as batch item failures so only
// they are redelivered; permanently bad messages are logged and dropped.
type SQSConsumer struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

func NewSQSConsumer(d *Dispatcher, logger *slog.Logger) *SQSConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSConsumer{dispatcher: d, logger: logger}
}

// Decode parses a message body into an event.
func Decode(body string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

// Handle is the Lambda entry point. The queue mapping must enable
// ReportBatchItemFailures.
func (c *SQSConsumer) Handle(ctx context.Context, batch awsevents.SQSEvent) (awsevents.SQSEventResponse, error) {
	var resp awsevents.SQSEventResponse

	for _, msg := range batch.Records {
		logger := c.logger.With("message_id", msg.MessageId)

		err := c.process(ctx, msg.Body)
		switch {
		case err == nil:
			continue
		case Permanent(err):
			logger.ErrorContext(ctx, "dropping order event", "error", err)
		default:
			logger.WarnContext(ctx, "order event failed, will retry", "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				awsevents.SQSBatchItemFailure{ItemIdentifier: msg.MessageId})
		}
	}
	return resp, nil
}

func (c *SQSConsumer) process(ctx context.Context, body string) error {
	ev, err := Decode(body)
	if err != nil {
		return err
	}
	return c.dispatcher.Dispatch(ctx, ev)
}
