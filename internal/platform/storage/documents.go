package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/services"
)

const manifestContentType = "application/json"

// ErrObjectExists is returned by ObjectWriter when the object is already present.
var ErrObjectExists = errors.New("storage: object already exists")

// ObjectWriter creates an object only when it does not exist yet.
type ObjectWriter interface {
	CreateObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSWriter writes objects through the Cloud Storage client.
type GCSWriter struct {
	client *storage.Client
}

// NewGCSWriter wraps a Cloud Storage client.
func NewGCSWriter(client *storage.Client) *GCSWriter {
	return &GCSWriter{client: client}
}

// CreateObject implements ObjectWriter with a DoesNotExist precondition.
func (w *GCSWriter) CreateObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	writer := w.client.Bucket(bucket).Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return classifyWriteError(err)
	}
	return classifyWriteError(writer.Close())
}

func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrObjectExists
	}
	return err
}

// DocumentWriter requests training applications by dropping a manifest into the documents
// bucket. The external renderer watches the bucket and writes the PDF next to it.
type DocumentWriter struct {
	objects ObjectWriter
	bucket  string
	now     func() time.Time
}

// NewDocumentWriter constructs a services.DocumentRequester backed by Cloud Storage.
func NewDocumentWriter(objects ObjectWriter, bucket string, now func() time.Time) (*DocumentWriter, error) {
	if objects == nil {
		return nil, errors.New("storage: object writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: documents bucket is required")
	}
	if now == nil {
		now = time.Now
	}
	return &DocumentWriter{objects: objects, bucket: bucket, now: now}, nil
}

type applicationManifest struct {
	EventID       string                `json:"eventId"`
	OrderID       string                `json:"orderId"`
	OrderNumber   string                `json:"orderNumber"`
	CustomerType  string                `json:"customerType"`
	Contact       manifestContact       `json:"contact"`
	Organization  *manifestOrganization `json:"organization,omitempty"`
	BasisDocument string                `json:"basisDocument,omitempty"`
	StartDate     string                `json:"startDate,omitempty"`
	Comment       string                `json:"comment,omitempty"`
	Lines         []manifestLine        `json:"lines"`
	TotalAmount   string                `json:"totalAmount"`
	OutputObject  string                `json:"outputObject"`
	RequestedAt   time.Time             `json:"requestedAt"`
}

type manifestContact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type manifestOrganization struct {
	Name string `json:"name"`
	INN  string `json:"inn"`
	KPP  string `json:"kpp,omitempty"`
}

type manifestLine struct {
	Title      string            `json:"title"`
	Hours      int               `json:"hours"`
	Quantity   int               `json:"quantity"`
	LineAmount string            `json:"lineAmount"`
	Learners   []manifestLearner `json:"learners,omitempty"`
}

type manifestLearner struct {
	FullName string `json:"fullName"`
	Position string `json:"position,omitempty"`
}

// RequestTrainingApplication implements services.DocumentRequester. A manifest that already
// exists counts as requested.
func (d *DocumentWriter) RequestTrainingApplication(ctx context.Context, req services.DocumentRequest) (string, error) {
	manifestPath, err := BuildObjectPath(KindApplicationManifest, req.OrderID)
	if err != nil {
		return "", err
	}
	outputPath, err := BuildObjectPath(KindApplicationPDF, req.OrderID)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(buildManifest(req, outputPath, d.now().UTC()))
	if err != nil {
		return "", fmt.Errorf("storage: encode manifest: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", d.bucket, manifestPath)
	if err := d.objects.CreateObject(ctx, d.bucket, manifestPath, manifestContentType, data); err != nil {
		if errors.Is(err, ErrObjectExists) {
			return uri, nil
		}
		return "", fmt.Errorf("storage: write manifest for order %s: %w", req.OrderID, err)
	}
	return uri, nil
}

func buildManifest(req services.DocumentRequest, outputPath string, now time.Time) applicationManifest {
	order := req.Order
	manifest := applicationManifest{
		EventID:      req.EventID,
		OrderID:      req.OrderID,
		OrderNumber:  req.OrderNumber,
		CustomerType: string(order.CustomerType),
		Contact: manifestContact{
			Name:  order.Contact.Name,
			Email: order.Contact.Email,
			Phone: order.Contact.Phone,
		},
		TotalAmount:  domain.FormatMoney(order.TotalAmount),
		OutputObject: outputPath,
		RequestedAt:  now,
	}
	if order.Organization != nil {
		manifest.Organization = &manifestOrganization{Name: order.Organization.Name, INN: order.Organization.INN, KPP: order.Organization.KPP}
	}
	if order.Training != nil {
		manifest.BasisDocument = order.Training.BasisDocument
		manifest.Comment = order.Training.Comment
		if order.Training.StartDate != nil {
			manifest.StartDate = order.Training.StartDate.Format("2006-01-02")
		}
	}
	for _, line := range order.Lines {
		ml := manifestLine{
			Title:      line.Title,
			Hours:      line.Hours,
			Quantity:   line.Quantity,
			LineAmount: domain.FormatMoney(line.LineAmount),
		}
		for _, learner := range line.Learners {
			ml.Learners = append(ml.Learners, manifestLearner{FullName: learner.FullName, Position: learner.Position})
		}
		manifest.Lines = append(manifest.Lines, ml)
	}
	return manifest
}
