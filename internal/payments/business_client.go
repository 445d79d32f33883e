package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BusinessConfig configures the bearer-token business API used for SBP links and invoices.
type BusinessConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	RequestID  func() string
}

// BusinessClient calls the bearer-token business API. It implements both the SBP QR and invoice
// operations.
type BusinessClient struct {
	baseURL   string
	token     string
	http      *http.Client
	requestID func() string
}

// NewBusinessClient validates configuration and builds the client.
func NewBusinessClient(cfg BusinessConfig) (*BusinessClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("business api: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("business api: token is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = NewHTTPClient(cfg.Timeout)
	}
	requestID := cfg.RequestID
	if requestID == nil {
		requestID = func() string { return uuid.NewString() }
	}
	return &BusinessClient{
		baseURL:   strings.TrimSpace(cfg.BaseURL),
		token:     strings.TrimSpace(cfg.Token),
		http:      client,
		requestID: requestID,
	}, nil
}

// QRRequest creates a one-time SBP payment link.
type QRRequest struct {
	AccountNumber string
	Amount        decimal.Decimal
	Purpose       string
	VAT           string
	TTLMinutes    int
	RedirectURL   string
}

// QRResult is the created link.
type QRResult struct {
	QRID string
	Link string
}

// InvoicePayer identifies the paying organization.
type InvoicePayer struct {
	Name string
	INN  string
	KPP  string
}

// InvoiceItem is one invoice position.
type InvoiceItem struct {
	Name   string
	Price  decimal.Decimal
	Unit   string
	VAT    string
	Amount decimal.Decimal
}

// InvoiceRequest issues an invoice.
type InvoiceRequest struct {
	InvoiceNumber string
	AccountNumber string
	DueDate       time.Time
	InvoiceDate   time.Time
	Payer         InvoicePayer
	Items         []InvoiceItem
	ContactEmail  string
	Comment       string
}

// InvoiceResult references the issued invoice.
type InvoiceResult struct {
	InvoiceID string
	PDFURL    string
}

type businessError struct {
	ErrorID      string `json:"errorId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails any    `json:"errorDetails"`
}

// CreateOneTimeQR validates the request locally and creates a one-time SBP link.
func (c *BusinessClient) CreateOneTimeQR(ctx context.Context, req QRRequest) (QRResult, error) {
	if err := validateQR(req); err != nil {
		return QRResult{}, err
	}
	body := map[string]any{
		"accountNumber": req.AccountNumber,
		"sum":           req.Amount.StringFixed(2),
		"purpose":       strings.TrimSpace(req.Purpose),
		"ttl":           req.TTLMinutes,
		"vat":           strings.TrimSpace(req.VAT),
	}
	setIfNotEmpty(body, "redirectUrl", req.RedirectURL)

	var out struct {
		QRID string `json:"qrId"`
		Data string `json:"data"`
	}
	if err := c.call(ctx, http.MethodPost, "api/v1/b2b/qr/onetime", body, &out); err != nil {
		return QRResult{}, err
	}
	if out.QRID == "" || out.Data == "" {
		return QRResult{}, &ProviderError{Message: "qr link missing in provider response", HTTPStatus: http.StatusOK}
	}
	return QRResult{QRID: out.QRID, Link: out.Data}, nil
}

// GetQRStatus returns the payment attempt behind a QR link.
func (c *BusinessClient) GetQRStatus(ctx context.Context, qrID string) (Attempt, error) {
	qrID = strings.TrimSpace(qrID)
	if qrID == "" {
		return Attempt{}, invalidf("qr id is required")
	}
	var out struct {
		QRID   string `json:"qrId"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "api/v1/b2b/qr/"+url.PathEscape(qrID)+"/info", nil, &out); err != nil {
		return Attempt{}, err
	}
	return Attempt{Kind: AttemptQR, ExternalID: qrID, RawStatus: out.Status}, nil
}

// SendInvoice validates the request locally and issues the invoice.
func (c *BusinessClient) SendInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResult, error) {
	if err := validateInvoice(req); err != nil {
		return InvoiceResult{}, err
	}
	items := make([]map[string]any, 0, len(req.Items))
	for _, item := range req.Items {
		unit := strings.TrimSpace(item.Unit)
		if unit == "" {
			unit = "pcs"
		}
		items = append(items, map[string]any{
			"name":   strings.TrimSpace(item.Name),
			"price":  item.Price.StringFixed(2),
			"unit":   unit,
			"vat":    strings.TrimSpace(item.VAT),
			"amount": item.Amount.String(),
		})
	}
	payer := map[string]any{"name": strings.TrimSpace(req.Payer.Name), "inn": req.Payer.INN}
	if req.Payer.KPP != "" {
		payer["kpp"] = req.Payer.KPP
	}
	body := map[string]any{
		"invoiceNumber": strings.TrimSpace(req.InvoiceNumber),
		"accountNumber": req.AccountNumber,
		"payer":         payer,
		"items":         items,
	}
	if !req.DueDate.IsZero() {
		body["dueDate"] = req.DueDate.Format(time.DateOnly)
	}
	if !req.InvoiceDate.IsZero() {
		body["invoiceDate"] = req.InvoiceDate.Format(time.DateOnly)
	}
	if email := strings.TrimSpace(req.ContactEmail); email != "" {
		body["contacts"] = []map[string]string{{"email": email}}
	}
	setIfNotEmpty(body, "comment", req.Comment)

	var out struct {
		InvoiceID string `json:"invoiceId"`
		PDFURL    string `json:"pdfUrl"`
	}
	if err := c.call(ctx, http.MethodPost, "api/v1/invoice/send", body, &out); err != nil {
		return InvoiceResult{}, err
	}
	if out.InvoiceID == "" {
		return InvoiceResult{}, &ProviderError{Message: "invoice id missing in provider response", HTTPStatus: http.StatusOK}
	}
	return InvoiceResult{InvoiceID: out.InvoiceID, PDFURL: out.PDFURL}, nil
}

// GetInvoiceInfo returns the payment attempt behind an invoice.
func (c *BusinessClient) GetInvoiceInfo(ctx context.Context, invoiceID string) (Attempt, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Attempt{}, invalidf("invoice id is required")
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "api/v1/openapi/invoice/"+url.PathEscape(invoiceID)+"/info", nil, &out); err != nil {
		return Attempt{}, err
	}
	return Attempt{Kind: AttemptInvoice, ExternalID: invoiceID, RawStatus: out.Status}, nil
}

func (c *BusinessClient) call(ctx context.Context, method, path string, body any, out any) error {
	headers := map[string]string{
		"Authorization": "Bearer " + c.token,
		"X-Request-Id":  c.requestID(),
	}
	resp, err := doJSON(ctx, c.http, method, joinURL(c.baseURL, path), headers, body)
	if err != nil {
		return err
	}
	if !resp.ok() {
		var be businessError
		perr := &ProviderError{HTTPStatus: resp.status}
		if resp.decode(&be) == nil && (be.ErrorMessage != "" || be.ErrorCode != "") {
			perr.Code = be.ErrorCode
			perr.Message = be.ErrorMessage
			if be.ErrorDetails != nil {
				perr.Details = truncate(fmt.Sprint(be.ErrorDetails), maxProviderErrorDetail)
			}
		} else {
			perr.Message = fmt.Sprintf("%s %s returned HTTP %d", method, path, resp.status)
		}
		return perr
	}
	if out == nil {
		return nil
	}
	if err := resp.decode(out); err != nil {
		return &ProviderError{HTTPStatus: resp.status, Message: err.Error()}
	}
	return nil
}
