package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

const testAccount = "40702810900000000001"

func validQR() QRRequest {
	return QRRequest{
		AccountNumber: testAccount,
		Amount:        decimal.RequireFromString("5000"),
		Purpose:       "Order E-000001",
		VAT:           "None",
		TTLMinutes:    60,
	}
}

func validInvoice() InvoiceRequest {
	return InvoiceRequest{
		InvoiceNumber: "E-000001",
		AccountNumber: testAccount,
		Payer:         InvoicePayer{Name: "LLC Romashka", INN: "7707083893", KPP: "770701001"},
		Items:         []InvoiceItem{{Name: "Course", Price: decimal.RequireFromString("5000"), VAT: "None", Amount: decimal.NewFromInt(1)}},
	}
}

func TestBusinessClientCreateOneTimeQR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/b2b/qr/onetime" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tkn" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("missing request id, got %q", r.Header.Get("X-Request-Id"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["sum"] != "5000.00" || body["vat"] != "None" {
			t.Errorf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"qrId": "qr-1", "data": "https://qr.nspk.ru/abc"})
	}))
	defer srv.Close()

	client, err := NewBusinessClient(BusinessConfig{BaseURL: srv.URL, Token: "tkn", RequestID: func() string { return "req-1" }})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.CreateOneTimeQR(context.Background(), validQR())
	if err != nil {
		t.Fatalf("create qr: %v", err)
	}
	if res.QRID != "qr-1" || res.Link != "https://qr.nspk.ru/abc" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBusinessClientValidatesBeforeCalling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	client, err := NewBusinessClient(BusinessConfig{BaseURL: srv.URL, Token: "tkn"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	qrCases := map[string]func(*QRRequest){
		"short account": func(r *QRRequest) { r.AccountNumber = "123" },
		"letters":       func(r *QRRequest) { r.AccountNumber = strings.Repeat("a", 20) },
		"bad vat":       func(r *QRRequest) { r.VAT = "18" },
		"zero ttl":      func(r *QRRequest) { r.TTLMinutes = 0 },
		"ttl too long":  func(r *QRRequest) { r.TTLMinutes = 129601 },
		"zero amount":   func(r *QRRequest) { r.Amount = decimal.Zero },
	}
	for name, mutate := range qrCases {
		req := validQR()
		mutate(&req)
		if _, err := client.CreateOneTimeQR(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
	}

	invoiceCases := map[string]func(*InvoiceRequest){
		"inn 11 digits":    func(r *InvoiceRequest) { r.Payer.INN = "77070838931" },
		"account 21":       func(r *InvoiceRequest) { r.AccountNumber = testAccount + "1" },
		"no items":         func(r *InvoiceRequest) { r.Items = nil },
		"too many items":   func(r *InvoiceRequest) { r.Items = make([]InvoiceItem, 101) },
		"bad item vat":     func(r *InvoiceRequest) { r.Items[0].VAT = "18" },
		"missing payer":    func(r *InvoiceRequest) { r.Payer.Name = "" },
		"malformed kpp":    func(r *InvoiceRequest) { r.Payer.KPP = "12" },
		"missing invoice#": func(r *InvoiceRequest) { r.InvoiceNumber = "" },
	}
	for name, mutate := range invoiceCases {
		req := validInvoice()
		mutate(&req)
		if _, err := client.SendInvoice(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
	}

	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}

func TestBusinessClientSendInvoiceAndInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/invoice/send":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			payer, _ := body["payer"].(map[string]any)
			if payer["inn"] != "7707083893" {
				t.Errorf("unexpected payer %v", payer)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"invoiceId": "inv-1", "pdfUrl": "https://b.example/inv-1.pdf"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/openapi/invoice/inv-1/info":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "EXECUTED"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewBusinessClient(BusinessConfig{BaseURL: srv.URL, Token: "tkn"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	res, err := client.SendInvoice(context.Background(), validInvoice())
	if err != nil {
		t.Fatalf("send invoice: %v", err)
	}
	if res.InvoiceID != "inv-1" || res.PDFURL == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	attempt, err := client.GetInvoiceInfo(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("invoice info: %v", err)
	}
	if !attempt.Confirmed() {
		t.Fatalf("expected executed invoice to be confirmed, got %+v", attempt)
	}
}

func TestBusinessClientMapsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errorId":      "e-1",
			"errorCode":    "INVALID_ACCOUNT",
			"errorMessage": "Account is closed",
		})
	}))
	defer srv.Close()

	client, err := NewBusinessClient(BusinessConfig{BaseURL: srv.URL, Token: "tkn"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetQRStatus(context.Background(), "qr-1")
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if perr.Code != "INVALID_ACCOUNT" || perr.UserMessage() != "Account is closed" || perr.Temporary() {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}
