package providers

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"sms-notification-service/internal/logging"
)

// MessageClient submits a message to the gateway and returns its id.
type MessageClient interface {
	Send(toNumber, body string) (string, error)
}

// SMSSender adapts a gateway client to the dispatcher's Sender. The Twilio
// SDK takes no context, so cancellation is only checked before the call.
type SMSSender struct {
	client MessageClient
	logger *logging.Logger
}

func NewSMSSender(client MessageClient, logger *logging.Logger) *SMSSender {
	return &SMSSender{client: client, logger: logger}
}

func (s *SMSSender) Send(ctx context.Context, recipient, body string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("send to %s cancelled: %w", recipient, err)
	}
	fields := logrus.Fields{"recipient": recipient}
	for k, v := range metadata {
		fields[k] = v
	}

	sid, err := s.client.Send(recipient, body)
	if err != nil {
		s.logger.WithFields(fields).Errorf("SMS rejected: %v", err)
		return "", err
	}
	s.logger.WithFields(fields).WithField("sid", sid).Debug("SMS accepted by gateway")
	return sid, nil
}
