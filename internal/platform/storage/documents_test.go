package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/services"
)

type fakeObjectWriter struct {
	objects map[string][]byte
	err     error
	calls   int
}

func (f *fakeObjectWriter) CreateObject(_ context.Context, bucket, object, contentType string, data []byte) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if contentType != manifestContentType {
		return fmt.Errorf("unexpected content type %s", contentType)
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	key := bucket + "/" + object
	if _, ok := f.objects[key]; ok {
		return ErrObjectExists
	}
	f.objects[key] = data
	return nil
}

func sampleRequest() services.DocumentRequest {
	start := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	return services.DocumentRequest{
		OrderID:     "ord-1",
		OrderNumber: "E-000001",
		EventID:     "evt_1",
		Order: domain.Order{
			ID:           "ord-1",
			Number:       "E-000001",
			CustomerType: domain.CustomerTypeOrganization,
			TotalAmount:  decimal.RequireFromString("5000"),
			Contact:      domain.OrderContact{Name: "Ivan", Email: "ivan@example.com"},
			Organization: &domain.OrderOrganization{Name: "LLC Romashka", INN: "7707083893"},
			Training:     &domain.TrainingDetails{BasisDocument: "Charter", StartDate: &start},
			Lines: []domain.OrderLine{{
				Title:      "Labour safety",
				Hours:      40,
				Quantity:   2,
				LineAmount: decimal.RequireFromString("5000"),
				Learners:   []domain.Learner{{FullName: "Petrov P.P."}, {FullName: "Sidorov S.S.", Position: "Engineer"}},
			}},
		},
	}
}

func TestDocumentWriterWritesManifest(t *testing.T) {
	objects := &fakeObjectWriter{}
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	writer, err := NewDocumentWriter(objects, "edu-documents", func() time.Time { return now })
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ref, err := writer.RequestTrainingApplication(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ref != "gs://edu-documents/orders/ord-1/training-application.json" {
		t.Fatalf("unexpected ref %s", ref)
	}

	raw := objects.objects["edu-documents/orders/ord-1/training-application.json"]
	var manifest map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest["eventId"] != "evt_1" || manifest["totalAmount"] != "5000.00" || manifest["startDate"] != "2024-07-01" {
		t.Fatalf("unexpected manifest %v", manifest)
	}
	if manifest["outputObject"] != "orders/ord-1/training-application.pdf" {
		t.Fatalf("unexpected output object %v", manifest["outputObject"])
	}
	lines, _ := manifest["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %v", manifest["lines"])
	}
	line := lines[0].(map[string]any)
	if learners, _ := line["learners"].([]any); len(learners) != 2 {
		t.Fatalf("expected two learners, got %v", line["learners"])
	}
}

func TestDocumentWriterTreatsExistingManifestAsRequested(t *testing.T) {
	objects := &fakeObjectWriter{}
	writer, _ := NewDocumentWriter(objects, "edu-documents", nil)

	first, err := writer.RequestTrainingApplication(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := writer.RequestTrainingApplication(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second || objects.calls != 2 {
		t.Fatalf("expected same ref on redelivery, got %s / %s", first, second)
	}
}

func TestDocumentWriterPropagatesErrors(t *testing.T) {
	objects := &fakeObjectWriter{err: errors.New("bucket unavailable")}
	writer, _ := NewDocumentWriter(objects, "edu-documents", nil)
	if _, err := writer.RequestTrainingApplication(context.Background(), sampleRequest()); err == nil {
		t.Fatalf("expected error")
	}

	req := sampleRequest()
	req.OrderID = "../etc"
	if _, err := writer.RequestTrainingApplication(context.Background(), req); err == nil {
		t.Fatalf("expected path validation error")
	}
}

func TestNewDocumentWriterValidates(t *testing.T) {
	if _, err := NewDocumentWriter(nil, "bucket", nil); err == nil {
		t.Fatalf("expected error for nil writer")
	}
	if _, err := NewDocumentWriter(&fakeObjectWriter{}, " ", nil); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}

func TestClassifyWriteError(t *testing.T) {
	if err := classifyWriteError(&googleapi.Error{Code: http.StatusPreconditionFailed}); !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}
	other := &googleapi.Error{Code: http.StatusForbidden}
	if err := classifyWriteError(other); !errors.Is(err, other) {
		t.Fatalf("expected passthrough, got %v", err)
	}
	if err := classifyWriteError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
