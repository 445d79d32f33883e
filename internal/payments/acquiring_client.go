package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AcquiringConfig configures the card acquiring client.
type AcquiringConfig struct {
	BaseURL     string
	TerminalKey string
	Password    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// AcquiringClient talks to the token-signed card acquiring API.
type AcquiringClient struct {
	baseURL     string
	terminalKey string
	password    string
	http        *http.Client
}

// NewAcquiringClient validates configuration and builds the client.
func NewAcquiringClient(cfg AcquiringConfig) (*AcquiringClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("acquiring: base url is required")
	}
	if strings.TrimSpace(cfg.TerminalKey) == "" {
		return nil, errors.New("acquiring: terminal key is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("acquiring: password is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	return &AcquiringClient{
		baseURL:     strings.TrimSpace(cfg.BaseURL),
		terminalKey: strings.TrimSpace(cfg.TerminalKey),
		password:    cfg.Password,
		http:        client,
	}, nil
}

// Password exposes the shared secret used to verify notifications.
func (c *AcquiringClient) Password() string {
	return c.password
}

// Receipt is the fiscal receipt attached to Init.
type Receipt struct {
	Email    string        `json:"Email,omitempty"`
	Phone    string        `json:"Phone,omitempty"`
	Taxation string        `json:"Taxation"`
	Items    []ReceiptItem `json:"Items"`
}

// ReceiptItem is one fiscal receipt position. Amounts are in kopecks.
type ReceiptItem struct {
	Name     string `json:"Name"`
	Price    int64  `json:"Price"`
	Quantity int    `json:"Quantity"`
	Amount   int64  `json:"Amount"`
	Tax      string `json:"Tax"`
}

// InitRequest starts a card payment. Amount is in kopecks.
type InitRequest struct {
	OrderID         string
	Amount          int64
	Description     string
	CustomerKey     string
	SuccessURL      string
	FailURL         string
	NotificationURL string
	Receipt         *Receipt
}

// InitResult is the accepted payment.
type InitResult struct {
	PaymentID  string
	PaymentURL string
	Status     string
}

// StateResult is a card attempt's state.
type StateResult struct {
	PaymentID string
	OrderID   string
	Status    string
}

type acquiringEnvelope struct {
	Success    bool            `json:"Success"`
	ErrorCode  string          `json:"ErrorCode"`
	Message    string          `json:"Message"`
	Details    string          `json:"Details"`
	Status     string          `json:"Status"`
	PaymentID  flexibleString  `json:"PaymentId"`
	OrderID    string          `json:"OrderId"`
	PaymentURL string          `json:"PaymentURL"`
	Payments   []acquiringItem `json:"Payments"`
}

type acquiringItem struct {
	PaymentID flexibleString `json:"PaymentId"`
	Status    string         `json:"Status"`
	Success   bool           `json:"Success"`
}

// flexibleString accepts both JSON strings and numbers; PaymentId comes as either.
type flexibleString string

func (f *flexibleString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		*f = flexibleString(unquoted)
		return nil
	}
	*f = flexibleString(raw)
	return nil
}

// Init registers a payment and returns the hosted payment page URL.
func (c *AcquiringClient) Init(ctx context.Context, req InitRequest) (InitResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return InitResult{}, invalidf("order id is required")
	}
	if req.Amount <= 0 {
		return InitResult{}, invalidf("amount must be positive")
	}
	if req.Receipt != nil && req.Receipt.Email == "" && req.Receipt.Phone == "" {
		return InitResult{}, invalidf("receipt requires an email or phone")
	}

	body := map[string]any{
		"TerminalKey": c.terminalKey,
		"Amount":      req.Amount,
		"OrderId":     req.OrderID,
	}
	setIfNotEmpty(body, "Description", req.Description)
	setIfNotEmpty(body, "CustomerKey", req.CustomerKey)
	setIfNotEmpty(body, "SuccessURL", req.SuccessURL)
	setIfNotEmpty(body, "FailURL", req.FailURL)
	setIfNotEmpty(body, "NotificationURL", req.NotificationURL)
	if req.Receipt != nil {
		body["Receipt"] = req.Receipt
	}

	env, err := c.call(ctx, "Init", body)
	if err != nil {
		return InitResult{}, err
	}
	if env.PaymentURL == "" || env.PaymentID == "" {
		return InitResult{}, &ProviderError{Code: env.ErrorCode, Message: "payment url missing in provider response", HTTPStatus: http.StatusOK}
	}
	return InitResult{PaymentID: string(env.PaymentID), PaymentURL: env.PaymentURL, Status: env.Status}, nil
}

// GetState returns the state of one payment.
func (c *AcquiringClient) GetState(ctx context.Context, paymentID string) (StateResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return StateResult{}, invalidf("payment id is required")
	}
	env, err := c.call(ctx, "GetState", map[string]any{
		"TerminalKey": c.terminalKey,
		"PaymentId":   strings.TrimSpace(paymentID),
	})
	if err != nil {
		return StateResult{}, err
	}
	return StateResult{PaymentID: string(env.PaymentID), OrderID: env.OrderID, Status: env.Status}, nil
}

// CheckOrder returns the state of every payment registered under a provider OrderId. A confirmed
// payment wins over later failed ones.
func (c *AcquiringClient) CheckOrder(ctx context.Context, providerOrderID string) (StateResult, error) {
	if strings.TrimSpace(providerOrderID) == "" {
		return StateResult{}, invalidf("order id is required")
	}
	env, err := c.call(ctx, "CheckOrder", map[string]any{
		"TerminalKey": c.terminalKey,
		"OrderId":     strings.TrimSpace(providerOrderID),
	})
	if err != nil {
		return StateResult{}, err
	}

	result := StateResult{OrderID: env.OrderID}
	for _, item := range env.Payments {
		if strings.EqualFold(item.Status, CardStatusConfirmed) {
			return StateResult{PaymentID: string(item.PaymentID), OrderID: env.OrderID, Status: item.Status}, nil
		}
		result.PaymentID = string(item.PaymentID)
		result.Status = item.Status
	}
	return result, nil
}

func (c *AcquiringClient) call(ctx context.Context, method string, body map[string]any) (acquiringEnvelope, error) {
	body[TokenField] = Sign(body, c.password)

	resp, err := doJSON(ctx, c.http, http.MethodPost, joinURL(c.baseURL, method), nil, body)
	if err != nil {
		return acquiringEnvelope{}, err
	}

	var env acquiringEnvelope
	decodeErr := resp.decode(&env)
	if !resp.ok() {
		perr := &ProviderError{HTTPStatus: resp.status, Code: env.ErrorCode, Message: env.Message, Details: env.Details}
		if decodeErr != nil {
			perr.Message = fmt.Sprintf("%s returned HTTP %d", method, resp.status)
			perr.Details = truncate(string(resp.body), maxProviderErrorDetail)
		}
		return acquiringEnvelope{}, perr
	}
	if decodeErr != nil {
		return acquiringEnvelope{}, &ProviderError{HTTPStatus: resp.status, Message: decodeErr.Error()}
	}
	if !env.Success {
		return acquiringEnvelope{}, &ProviderError{HTTPStatus: resp.status, Code: env.ErrorCode, Message: env.Message, Details: env.Details}
	}
	return env, nil
}

func setIfNotEmpty(m map[string]any, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		m[key] = v
	}
}
