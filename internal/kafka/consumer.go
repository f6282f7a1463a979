package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
	"sms-notification-service/internal/utils"
)

type Config struct {
	Broker  string
	Topic   string
	GroupID string
}

// EventHandler applies one commerce event.
type EventHandler interface {
	HandleCommerceEvent(ctx context.Context, evt models.CommerceEvent) error
}

type Consumer struct {
	reader     *kafkago.Reader
	handler    EventHandler
	logger     *logging.Logger
	attempts   int
	retryDelay time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewConsumer(cfg Config, handler EventHandler, logger *logging.Logger) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     strings.Split(cfg.Broker, ","),
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:     reader,
		handler:    handler,
		logger:     logger,
		attempts:   3,
		retryDelay: 2 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start consumes until Close. Offsets are committed once a message is
// handled or given up on.
func (c *Consumer) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logger.Infof("Kafka consumer started (topic %s)", c.reader.Config().Topic)
		for {
			msg, err := c.reader.FetchMessage(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					c.logger.Info("Kafka consumer stopped")
					return
				}
				c.logger.Errorf("Fetch message failed: %v", err)
				time.Sleep(time.Second)
				continue
			}

			if err := c.handle(c.ctx, msg); err != nil {
				c.logger.Errorf("Dropping message at offset %d after retries: %v", msg.Offset, err)
			}
			if err := c.reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
				c.logger.Errorf("Commit offset %d failed: %v", msg.Offset, err)
			}
		}
	}()
}

// handle decodes and applies one message. Malformed and invalid events are
// logged and skipped; other failures are retried a few times.
func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) error {
	var evt models.CommerceEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		c.logger.Errorf("Unmarshal message at offset %d failed: %v", msg.Offset, err)
		return nil
	}
	if evt.Type == "" {
		c.logger.Errorf("Invalid message at offset %d: missing type", msg.Offset)
		return nil
	}

	return utils.Retry(c.logger, c.attempts, c.retryDelay, func() error {
		err := c.handler.HandleCommerceEvent(ctx, evt)
		if errors.Is(err, models.ErrValidation) {
			c.logger.Warnf("Skipping %s event at offset %d: %v", evt.Type, msg.Offset, err)
			return nil
		}
		return err
	})
}

func (c *Consumer) Close() {
	c.cancel()
	if err := c.reader.Close(); err != nil {
		c.logger.Errorf("Close Kafka reader failed: %v", err)
	}
}
