package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/edu-center/api/internal/domain"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/repositories"
)

const cartCollection = "carts"

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProgramID       string            `firestore:"programId"`
	SubProgramIndex *int              `firestore:"subProgramIndex,omitempty"`
	Quantity        int               `firestore:"quantity"`
	Learners        []learnerDocument `firestore:"learners,omitempty"`
}

// CartRepository reads carts owned by the storefront and clears them after checkout.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
	now  func() time.Time
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base: pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		now:  time.Now,
	}, nil
}

// GetEntries returns the raw cart entries. A missing cart is an empty cart.
func (r *CartRepository) GetEntries(ctx context.Context, userID string) ([]domain.CartEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("cart repository: user id is required")
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]domain.CartEntry, 0, len(doc.Data.Items))
	for _, item := range doc.Data.Items {
		entry := domain.CartEntry{
			ProgramID:       item.ProgramID,
			SubProgramIndex: item.SubProgramIndex,
			Quantity:        item.Quantity,
		}
		if entry.Quantity <= 0 {
			entry.Quantity = 1
		}
		for _, learner := range item.Learners {
			entry.Learners = append(entry.Learners, domain.Learner(learner))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Clear empties the cart items while keeping the cart document.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("cart repository: user id is required")
	}
	return r.base.Set(ctx, userID, cartDocument{
		Items:     []cartItemDocument{},
		UpdatedAt: r.now().UTC(),
	}, firestore.MergeAll)
}
