package sms

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Client sends text messages through the Twilio REST API.
type Client struct {
	api            *twilio.RestClient
	from           string
	statusCallback string
}

// New builds a client. statusCallback may be empty, in which case Twilio
// does not report delivery status.
func New(accountSID, authToken, fromNumber, statusCallback string) *Client {
	return &Client{
		api: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from:           fromNumber,
		statusCallback: statusCallback,
	}
}

// Send submits one message and returns its SID.
func (c *Client) Send(toNumber, body string) (string, error) {
	if !strings.HasPrefix(toNumber, "+") {
		return "", fmt.Errorf("invalid phone number: %s", toNumber)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(toNumber)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.api.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("failed to send SMS to %s: %w", toNumber, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("no message sid returned for %s", toNumber)
	}
	return *resp.Sid, nil
}
