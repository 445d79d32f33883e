package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/repositories"
)

// CartSnapshotDeps bundles the cart and catalog collaborators.
type CartSnapshotDeps struct {
	Carts   repositories.CartRepository
	Catalog repositories.CatalogRepository
	Clock   func() time.Time
}

type cartSnapshot struct {
	carts   repositories.CartRepository
	catalog repositories.CatalogRepository
	clock   func() time.Time
}

// NewCartSnapshotProvider builds the provider that prices cart entries with the live catalog.
func NewCartSnapshotProvider(deps CartSnapshotDeps) (CartSnapshotProvider, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart snapshot: cart repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cart snapshot: catalog repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &cartSnapshot{carts: deps.Carts, catalog: deps.Catalog, clock: clock}, nil
}

// GetEnrichedCart resolves every entry against the catalog. A deleted program or an unknown
// sub-program means the cart is stale and the client must refresh it.
func (c *cartSnapshot) GetEnrichedCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	entries, err := c.carts.GetEntries(ctx, userID)
	if err != nil {
		return Cart{}, fmt.Errorf("cart snapshot: load cart: %w", err)
	}

	cart := Cart{UserID: userID, TotalAmount: decimal.Zero, UpdatedAt: c.clock().UTC()}
	categories := make(map[string]domain.Category)
	for i, entry := range entries {
		program, err := c.catalog.GetProgram(ctx, entry.ProgramID)
		if err != nil {
			if isRepoNotFound(err) {
				return Cart{}, fmt.Errorf("%w: cart item %d references unavailable program %q", ErrOrderCartMismatch, i+1, entry.ProgramID)
			}
			return Cart{}, fmt.Errorf("cart snapshot: load program %s: %w", entry.ProgramID, err)
		}

		item := CartItem{
			ProgramID:       program.ID,
			SubProgramIndex: entry.SubProgramIndex,
			Title:           program.Title,
			CategoryID:      program.CategoryID,
			Hours:           program.Hours,
			UnitPrice:       program.Price,
			Quantity:        entry.Quantity,
			Learners:        entry.Learners,
		}
		if idx := entry.SubProgramIndex; idx != nil {
			if *idx < 0 || *idx >= len(program.SubPrograms) {
				return Cart{}, fmt.Errorf("%w: cart item %d references unknown sub-program %d of %q", ErrOrderCartMismatch, i+1, *idx, program.ID)
			}
			sub := program.SubPrograms[*idx]
			item.SubProgramTitle = sub.Title
			item.Hours = sub.Hours
			item.UnitPrice = sub.Price
		}

		if categoryID := strings.TrimSpace(program.CategoryID); categoryID != "" {
			category, ok := categories[categoryID]
			if !ok {
				category, err = c.catalog.GetCategory(ctx, categoryID)
				switch {
				case err == nil:
				case isRepoNotFound(err):
					// Title falls back to the plain program name.
					category = domain.Category{ID: categoryID}
				default:
					return Cart{}, fmt.Errorf("cart snapshot: load category %s: %w", categoryID, err)
				}
				categories[categoryID] = category
			}
			item.CategoryType = category.Type
		}

		cart.Items = append(cart.Items, item)
		cart.TotalAmount = cart.TotalAmount.Add(lineAmount(item.UnitPrice, item.Quantity))
	}
	return cart, nil
}

func lineAmount(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return domain.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}
