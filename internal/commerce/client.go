// Package commerce reads order state from the store platform.
package commerce

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"sms-notification-service/internal/cache"
	"sms-notification-service/internal/logging"
	"sms-notification-service/internal/models"
)

type apiOrder struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phone             string     `json:"phone"`
	CreatedAt         time.Time  `json:"created_at"`
	CancelledAt       *time.Time `json:"cancelled_at"`
	FulfillmentStatus string     `json:"fulfillment_status"`
	Customer          struct {
		FirstName string `json:"first_name"`
		Phone     string `json:"phone"`
	} `json:"customer"`
	Fulfillments []struct {
		CreatedAt   time.Time `json:"created_at"`
		TrackingURL string    `json:"tracking_url"`
	} `json:"fulfillments"`
}

type orderEnvelope struct {
	Order apiOrder `json:"order"`
}

func (o apiOrder) toModel() models.Order {
	out := models.Order{
		ID:             o.ID,
		OrderNumber:    o.Name,
		Phone:          o.Phone,
		FirstName:      o.Customer.FirstName,
		Fulfilled:      o.FulfillmentStatus == "fulfilled",
		Cancelled:      o.CancelledAt != nil,
		OrderCreatedAt: o.CreatedAt,
	}
	if out.Phone == "" {
		out.Phone = o.Customer.Phone
	}
	if n := len(o.Fulfillments); n > 0 {
		last := o.Fulfillments[n-1]
		out.TrackingURL = last.TrackingURL
		if out.Fulfilled {
			at := last.CreatedAt
			out.FulfilledAt = &at
		}
	}
	return out
}

// Client is a read-only client of the commerce REST API. Responses are
// cached for the cache's TTL.
type Client struct {
	http   *resty.Client
	cache  cache.Cache
	logger *logging.Logger
}

func NewClient(baseURL, token string, c cache.Cache, logger *logging.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")
	if token != "" {
		httpClient.SetAuthToken(token)
	}
	return &Client{http: httpClient, cache: c, logger: logger}
}

func orderKey(id string) string {
	return "order:" + id
}

// GetOrder fetches an order, from cache when possible.
func (c *Client) GetOrder(ctx context.Context, id string) (models.Order, error) {
	if c.cache != nil {
		o, ok, err := cache.GetJSON[models.Order](ctx, c.cache, orderKey(id))
		if err != nil {
			c.logger.Warnf("Order cache read failed for %s: %v", id, err)
		}
		if ok {
			return o, nil
		}
	}

	var env orderEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&env).
		Get("/orders/{id}.json")
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return models.Order{}, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	case resp.IsError():
		return models.Order{}, fmt.Errorf("commerce API returned status %d for order %s", resp.StatusCode(), id)
	}

	o := env.Order.toModel()
	if o.ID == "" {
		o.ID = id
	}
	if c.cache != nil {
		if err := cache.SetJSON(ctx, c.cache, orderKey(id), o); err != nil {
			c.logger.Warnf("Order cache write failed for %s: %v", id, err)
		}
	}
	return o, nil
}

// Forget drops a cached order so the next read goes to the API.
func (c *Client) Forget(ctx context.Context, id string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Delete(ctx, orderKey(id)); err != nil {
		c.logger.Warnf("Order cache delete failed for %s: %v", id, err)
	}
}
