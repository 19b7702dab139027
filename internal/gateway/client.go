package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crestline/keystone/internal/config"
	"go.uber.org/zap"
)

// Client talks to the BrickPay REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.Gateway.BaseURL, "/"),
		apiKey:  cfg.Gateway.APIKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.Named("gateway.client"),
	}
}

func (c *Client) CreateChargeIntent(ctx context.Context, req CreateChargeIntentRequest) (ChargeIntent, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChargeIntent{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charge_intents", bytes.NewReader(body))
	if err != nil {
		return ChargeIntent{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return ChargeIntent{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return ChargeIntent{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return ChargeIntent{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var intent ChargeIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return ChargeIntent{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		return ChargeIntent{}, fmt.Errorf("%w: empty intent id", ErrUnavailable)
	}
	return intent, nil
}

func (c *Client) GetCharge(ctx context.Context, id string) (Charge, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Charge{}, ErrChargeNotFound
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/charges/"+id, nil)
	if err != nil {
		return Charge{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Charge{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Charge{}, ErrChargeNotFound
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Charge{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var charge Charge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return Charge{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return charge, nil
}
