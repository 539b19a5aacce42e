// Package worker triggers scheduler passes from NATS requests and on a fixed interval.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

// passTimeoutMargin leaves room for discovery and the final ledger flush after the budget.
const passTimeoutMargin = 30 * time.Second

const (
	logMsgParseFailed   = "Failed to parse pass request: %v"
	logMsgPassFailed    = "Pass for workflow %s failed: %v"
	logMsgReplyFailed   = "Failed to publish reply event for workflow %s: %v"
	logMsgPassRequested = "Pass requested by workflow %s."
)

// NatsWorker listens for pass requests on a NATS subject and answers each with the outcome.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	runner         *PassRunner
	passTimeout    time.Duration
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. budget is the scheduler's pass budget.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	runner *PassRunner,
	budget time.Duration,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		runner:         runner,
		passTimeout:    budget + passTimeoutMargin,
		log:            log,
	}
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(parent, w.passTimeout)
	defer cancel()

	request, err := parseRequest(msg)
	if err != nil {
		w.log.Error(logMsgParseFailed, err)

		return
	}

	w.log.Info(logMsgPassRequested, request.Header.WorkflowID)

	reply := PassCompletedEvent{
		Header:     NewEventHeader(request.Header.WorkflowID),
		Status:     StatusCompleted,
		Discovered: 0,
		Report:     nil,
		Error:      "",
	}

	outcome, runErr := w.runner.Run(ctx)

	switch {
	case errors.Is(runErr, ErrBusy):
		reply.Status = StatusBusy
	case runErr != nil:
		w.log.Error(logMsgPassFailed, reply.Header.WorkflowID, runErr)
		reply.Status = StatusFailed
		reply.Error = runErr.Error()
		reply.Discovered = outcome.Discovered
		reply.Report = &outcome.Report
	default:
		reply.Discovered = outcome.Discovered
		reply.Report = &outcome.Report
	}

	err = publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error(logMsgReplyFailed, reply.Header.WorkflowID, err)
	}
}

// publishReplyEvent marshals and responds with the PassCompletedEvent.
func publishReplyEvent(msg *nats.Msg, reply PassCompletedEvent) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseRequest(msg *nats.Msg) (PassRequestedEvent, error) {
	var event PassRequestedEvent

	if len(msg.Data) == 0 {
		return event, nil
	}

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return event, nil
}
