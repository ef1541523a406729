package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"pixelrelay/internal/config"
	"pixelrelay/internal/logger"
	"pixelrelay/internal/relay"
	"pixelrelay/internal/worker/processors"
)

// MessageReader is the part of *kafka.Reader the worker uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Worker struct {
	config    *config.Config
	logger    *logger.Logger
	reader    MessageReader
	processor *processors.EventProcessor
	done      chan struct{}
}

func New(cfg *config.Config, logger *logger.Logger) (*Worker, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokerList(),
		GroupID:        cfg.KafkaGroupID,
		Topic:          cfg.KafkaTopic,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})

	processor, err := processors.NewEventProcessor(cfg, logger)
	if err != nil {
		reader.Close()
		return nil, err
	}

	return NewWithReader(cfg, logger, reader, processor), nil
}

func NewWithReader(cfg *config.Config, logger *logger.Logger, reader MessageReader, processor *processors.EventProcessor) *Worker {
	return &Worker{
		config:    cfg,
		logger:    logger,
		reader:    reader,
		processor: processor,
		done:      make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled. Undecodable or invalid messages are
// logged and committed so they are not redelivered.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("Worker started, listening on %s...", w.config.KafkaTopic)

	for {
		message, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			w.logger.Error("Failed to read message: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.logger.Debug("Received message: %s", string(message.Value))
		w.handle(message)

		if err := w.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			w.logger.Error("Failed to commit offset %d: %v", message.Offset, err)
		}
	}
}

func (w *Worker) handle(message kafka.Message) {
	var event relay.StorefrontEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		w.logger.Error("Failed to parse event: %v", err)
		return
	}

	if err := w.processor.Process(event); err != nil {
		w.logger.Warn("Skipping %s event (tid=%s): %v", event.Name, event.TrackingID, err)
		return
	}

	w.logger.Debug("Event %s queued for relay", event.Name)
}

// Stop closes the reader, waits for Start to return if it was running and
// drains every pixel.
func (w *Worker) Stop(timeout time.Duration) {
	w.logger.Info("Stopping worker...")
	if err := w.reader.Close(); err != nil {
		w.logger.Error("Failed to close reader: %v", err)
	}

	select {
	case <-w.done:
	case <-time.After(timeout):
		w.logger.Warn("Worker loop did not stop within %s", timeout)
	}

	w.processor.Close()
}
