package payments

import (
	"context"
	"fmt"

	"franchise-onboarding/internal/common/errors"
	"franchise-onboarding/internal/common/httpclient"
)

// GatewayAPI is the slice of the external payment provider this service
// needs: registering an intent and receiving its client credentials.
type GatewayAPI interface {
	CreateIntent(ctx context.Context, req GatewayIntentRequest) (*GatewayIntentResponse, error)
}

// GatewayIntentRequest registers an intent with the provider. The
// idempotency key makes retried registrations return the same provider
// intent instead of charging twice.
type GatewayIntentRequest struct {
	AmountCents    int64  `json:"amountCents"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotencyKey"`
	Description    string `json:"description,omitempty"`
}

type GatewayIntentResponse struct {
	GatewayIntentID string `json:"gatewayIntentId"`
	ClientSecret    string `json:"clientSecret"`
}

// GatewayClient talks to the provider's REST API.
type GatewayClient struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
}

func NewGatewayClient(http *httpclient.Client, baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		http:    http,
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

func (c *GatewayClient) CreateIntent(ctx context.Context, req GatewayIntentRequest) (*GatewayIntentResponse, error) {
	headers := map[string]string{
		"Authorization":   "Bearer " + c.apiKey,
		"Idempotency-Key": req.IdempotencyKey,
	}

	var resp GatewayIntentResponse
	if err := c.http.PostJSON(ctx, c.baseURL+"/v1/intents", headers, req, &resp); err != nil {
		return nil, errors.NewExternalServiceError("payment-gateway", err)
	}
	if resp.GatewayIntentID == "" {
		return nil, errors.NewExternalServiceError("payment-gateway",
			fmt.Errorf("intent registration returned no intent id"))
	}
	return &resp, nil
}
