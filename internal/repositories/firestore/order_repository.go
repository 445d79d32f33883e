package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/edu-center/api/internal/domain"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/platform/pagination"
	"github.com/edu-center/api/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	Number          string                   `firestore:"number"`
	UserID          string                   `firestore:"userId"`
	CustomerType    string                   `firestore:"customerType"`
	Status          string                   `firestore:"status"`
	TotalAmount     string                   `firestore:"totalAmount"`
	Lines           []orderLineDocument      `firestore:"lines"`
	Contact         orderContactDocument     `firestore:"contact"`
	Organization    *organizationDocument    `firestore:"organization,omitempty"`
	Training        *trainingDocument        `firestore:"training,omitempty"`
	PaymentID       string                   `firestore:"paymentId,omitempty"`
	InvoiceID       string                   `firestore:"invoiceId,omitempty"`
	InvoicePDFURL   string                   `firestore:"invoicePdfUrl,omitempty"`
	InvoiceReqAt    *time.Time               `firestore:"invoiceRequestedAt,omitempty"`
	PaymentAttempts []paymentAttemptDocument `firestore:"paymentAttempts,omitempty"`
	CreatedAt       time.Time                `firestore:"createdAt"`
	UpdatedAt       time.Time                `firestore:"updatedAt"`
	PaidAt          *time.Time               `firestore:"paidAt,omitempty"`
	CancelledAt     *time.Time               `firestore:"cancelledAt,omitempty"`
	CompletedAt     *time.Time               `firestore:"completedAt,omitempty"`
	CancelReason    *string                  `firestore:"cancelReason,omitempty"`
}

type orderLineDocument struct {
	ProgramID       string            `firestore:"programId"`
	SubProgramIndex *int              `firestore:"subProgramIndex,omitempty"`
	Title           string            `firestore:"title"`
	Hours           int               `firestore:"hours"`
	UnitPrice       string            `firestore:"unitPrice"`
	Quantity        int               `firestore:"quantity"`
	LineAmount      string            `firestore:"lineAmount"`
	Learners        []learnerDocument `firestore:"learners,omitempty"`
}

type learnerDocument struct {
	FullName string `firestore:"fullName"`
	Email    string `firestore:"email,omitempty"`
	Phone    string `firestore:"phone,omitempty"`
	Position string `firestore:"position,omitempty"`
}

type orderContactDocument struct {
	Name  string `firestore:"name,omitempty"`
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type organizationDocument struct {
	ID   string `firestore:"id,omitempty"`
	Name string `firestore:"name"`
	INN  string `firestore:"inn"`
	KPP  string `firestore:"kpp,omitempty"`
}

type trainingDocument struct {
	BasisDocument string     `firestore:"basisDocument,omitempty"`
	StartDate     *time.Time `firestore:"startDate,omitempty"`
	Comment       string     `firestore:"comment,omitempty"`
}

type paymentAttemptDocument struct {
	Kind            string    `firestore:"kind"`
	ExternalID      string    `firestore:"externalId"`
	ProviderOrderID string    `firestore:"providerOrderId,omitempty"`
	CreatedAt       time.Time `firestore:"createdAt"`
}

// OrderRepository persists order aggregates in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{base: pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)}, nil
}

// Insert creates the order document; an existing id yields a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Create(ctx, id, encodeOrder(order))
}

// Update overwrites the order document with the supplied aggregate state.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Set(ctx, id, encodeOrder(order))
}

// Delete removes the order document.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(orderID))
}

// FindByID loads an order by id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data)
}

// List returns orders newest first, paginated by (createdAt, id).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = pagination.DefaultPageSize
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == size {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		order, err := decodeOrder(doc.ID, doc.Data)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:        order.Number,
		UserID:        order.UserID,
		CustomerType:  string(order.CustomerType),
		Status:        string(order.Status),
		TotalAmount:   domain.FormatMoney(order.TotalAmount),
		Contact:       orderContactDocument(order.Contact),
		PaymentID:     order.PaymentID,
		InvoiceID:     order.InvoiceID,
		InvoicePDFURL: order.InvoicePDFURL,
		InvoiceReqAt:  order.InvoiceRequestedAt,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
		PaidAt:        order.PaidAt,
		CancelledAt:   order.CancelledAt,
		CompletedAt:   order.CompletedAt,
		CancelReason:  order.CancelReason,
	}
	for _, line := range order.Lines {
		lineDoc := orderLineDocument{
			ProgramID:       line.ProgramID,
			SubProgramIndex: line.SubProgramIndex,
			Title:           line.Title,
			Hours:           line.Hours,
			UnitPrice:       domain.FormatMoney(line.UnitPrice),
			Quantity:        line.Quantity,
			LineAmount:      domain.FormatMoney(line.LineAmount),
		}
		for _, learner := range line.Learners {
			lineDoc.Learners = append(lineDoc.Learners, learnerDocument(learner))
		}
		doc.Lines = append(doc.Lines, lineDoc)
	}
	if order.Organization != nil {
		org := organizationDocument(*order.Organization)
		doc.Organization = &org
	}
	if order.Training != nil {
		training := trainingDocument(*order.Training)
		doc.Training = &training
	}
	for _, attempt := range order.PaymentAttempts {
		doc.PaymentAttempts = append(doc.PaymentAttempts, paymentAttemptDocument{
			Kind:            string(attempt.Kind),
			ExternalID:      attempt.ExternalID,
			ProviderOrderID: attempt.ProviderOrderID,
			CreatedAt:       attempt.CreatedAt.UTC(),
		})
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) (domain.Order, error) {
	total, err := domain.ParseMoney(doc.TotalAmount)
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	order := domain.Order{
		ID:                 id,
		Number:             doc.Number,
		UserID:             doc.UserID,
		CustomerType:       domain.CustomerType(doc.CustomerType),
		Status:             domain.OrderStatus(doc.Status),
		TotalAmount:        total,
		Contact:            domain.OrderContact(doc.Contact),
		PaymentID:          doc.PaymentID,
		InvoiceID:          doc.InvoiceID,
		InvoicePDFURL:      doc.InvoicePDFURL,
		InvoiceRequestedAt: doc.InvoiceReqAt,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
		PaidAt:             doc.PaidAt,
		CancelledAt:        doc.CancelledAt,
		CompletedAt:        doc.CompletedAt,
		CancelReason:       doc.CancelReason,
	}
	for i, lineDoc := range doc.Lines {
		unitPrice, err := domain.ParseMoney(lineDoc.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s line %d: %w", id, i, err)
		}
		amount, err := domain.ParseMoney(lineDoc.LineAmount)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order %s line %d: %w", id, i, err)
		}
		line := domain.OrderLine{
			ProgramID:       lineDoc.ProgramID,
			SubProgramIndex: lineDoc.SubProgramIndex,
			Title:           lineDoc.Title,
			Hours:           lineDoc.Hours,
			UnitPrice:       unitPrice,
			Quantity:        lineDoc.Quantity,
			LineAmount:      amount,
		}
		for _, learner := range lineDoc.Learners {
			line.Learners = append(line.Learners, domain.Learner(learner))
		}
		order.Lines = append(order.Lines, line)
	}
	if doc.Organization != nil {
		org := domain.OrderOrganization(*doc.Organization)
		order.Organization = &org
	}
	if doc.Training != nil {
		training := domain.TrainingDetails(*doc.Training)
		order.Training = &training
	}
	for _, attempt := range doc.PaymentAttempts {
		order.PaymentAttempts = append(order.PaymentAttempts, domain.PaymentAttemptRef{
			Kind:            domain.PaymentAttemptKind(attempt.Kind),
			ExternalID:      attempt.ExternalID,
			ProviderOrderID: attempt.ProviderOrderID,
			CreatedAt:       attempt.CreatedAt,
		})
	}
	return order, nil
}
