package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/edu-center/api/internal/domain"
	"github.com/edu-center/api/internal/platform/textutil"
)

const maxLearnersPerLine = 500

type cartReconciler struct {
	carts CartSnapshotProvider
}

// NewCartReconciler builds a reconciler on top of the live cart snapshot.
func NewCartReconciler(carts CartSnapshotProvider) (CartReconciler, error) {
	if carts == nil {
		return nil, errors.New("cart reconciler: cart snapshot provider is required")
	}
	return &cartReconciler{carts: carts}, nil
}

// Reconcile requires every draft line to match exactly one cart item by program, sub-program,
// hours, unit price and quantity, and the declared amounts to match the recomputed ones. Values are
// never coerced; the first mismatch is reported with its line and field.
func (r *cartReconciler) Reconcile(ctx context.Context, userID string, draft OrderDraft) (ReconciledOrder, error) {
	if len(draft.Lines) == 0 {
		return ReconciledOrder{}, fmt.Errorf("%w: draft must contain at least one line", ErrOrderInvalidInput)
	}

	cart, err := r.carts.GetEnrichedCart(ctx, userID)
	if err != nil {
		return ReconciledOrder{}, err
	}
	if len(cart.Items) == 0 {
		return ReconciledOrder{}, &CartMismatchError{Line: -1, Field: "cart", Message: "cart is empty"}
	}
	if len(cart.Items) != len(draft.Lines) {
		return ReconciledOrder{}, &CartMismatchError{
			Line:    -1,
			Field:   "lines",
			Message: fmt.Sprintf("draft has %d lines but cart has %d items", len(draft.Lines), len(cart.Items)),
		}
	}

	used := make([]bool, len(cart.Items))
	lines := make([]OrderLine, 0, len(draft.Lines))
	total := decimal.Zero

	for i, line := range draft.Lines {
		idx := matchCartItem(cart.Items, used, line)
		if idx < 0 {
			return ReconciledOrder{}, lineMismatch(i, "programId", "program %q%s is not in the cart", line.ProgramID, subProgramSuffix(line.SubProgramIndex))
		}
		used[idx] = true
		item := cart.Items[idx]

		if line.Hours != item.Hours {
			return ReconciledOrder{}, lineMismatch(i, "hours", "draft has %d, catalog has %d", line.Hours, item.Hours)
		}
		if !domain.AmountsEqual(line.UnitPrice, item.UnitPrice) {
			return ReconciledOrder{}, lineMismatch(i, "unitPrice", "draft has %s, catalog has %s", domain.FormatMoney(line.UnitPrice), domain.FormatMoney(item.UnitPrice))
		}
		if line.Quantity != item.Quantity {
			return ReconciledOrder{}, lineMismatch(i, "quantity", "draft has %d, cart has %d", line.Quantity, item.Quantity)
		}
		amount := lineAmount(item.UnitPrice, item.Quantity)
		if !domain.AmountsEqual(line.LineAmount, amount) {
			return ReconciledOrder{}, lineMismatch(i, "lineAmount", "draft has %s, expected %s", domain.FormatMoney(line.LineAmount), domain.FormatMoney(amount))
		}

		learners := line.Learners
		if len(learners) == 0 {
			learners = item.Learners
		}
		cleaned, err := cleanLearners(i, learners)
		if err != nil {
			return ReconciledOrder{}, err
		}

		lines = append(lines, OrderLine{
			ProgramID:       item.ProgramID,
			SubProgramIndex: cloneIntPtr(item.SubProgramIndex),
			Title:           DisplayTitle(item),
			Hours:           item.Hours,
			UnitPrice:       item.UnitPrice,
			Quantity:        item.Quantity,
			LineAmount:      amount,
			Learners:        cleaned,
		})
		total = total.Add(amount)
	}

	if !domain.AmountsEqual(draft.TotalAmount, total) {
		return ReconciledOrder{}, &CartMismatchError{
			Line:    -1,
			Field:   "totalAmount",
			Message: fmt.Sprintf("draft has %s, expected %s", domain.FormatMoney(draft.TotalAmount), domain.FormatMoney(total)),
		}
	}

	return ReconciledOrder{Lines: lines, TotalAmount: total}, nil
}

// DisplayTitle renders the frozen line title from the category type.
func DisplayTitle(item CartItem) string {
	name := strings.TrimSpace(item.Title)
	if sub := strings.TrimSpace(item.SubProgramTitle); sub != "" {
		name = name + ". " + sub
	}
	switch item.CategoryType {
	case domain.CategoryTypeRetraining:
		return fmt.Sprintf("Professional retraining program \"%s\" (%d h)", name, item.Hours)
	case domain.CategoryTypeQualification:
		return fmt.Sprintf("Qualification upgrade program \"%s\" (%d h)", name, item.Hours)
	case domain.CategoryTypeTraining:
		return fmt.Sprintf("Training \"%s\" (%d h)", name, item.Hours)
	case domain.CategoryTypeSeminar:
		return fmt.Sprintf("Seminar \"%s\"", name)
	default:
		return name
	}
}

// matchCartItem prefers an unused item that agrees on every compared field, so a cart holding the
// same program twice matches in any order. Without one it returns the first unused item with the
// same program key and the caller reports the differing field.
func matchCartItem(items []CartItem, used []bool, line DraftLine) int {
	programID := strings.TrimSpace(line.ProgramID)
	fallback := -1
	for i, item := range items {
		if used[i] || item.ProgramID != programID {
			continue
		}
		if !sameSubProgram(item.SubProgramIndex, line.SubProgramIndex) {
			continue
		}
		if line.Hours == item.Hours && line.Quantity == item.Quantity && domain.AmountsEqual(line.UnitPrice, item.UnitPrice) {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

func sameSubProgram(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func subProgramSuffix(idx *int) string {
	if idx == nil {
		return ""
	}
	return fmt.Sprintf(" (sub-program %d)", *idx)
}

func cleanLearners(line int, learners []Learner) ([]Learner, error) {
	if len(learners) > maxLearnersPerLine {
		return nil, fmt.Errorf("%w: line %d: at most %d learners are allowed", ErrOrderInvalidInput, line+1, maxLearnersPerLine)
	}
	out := make([]Learner, 0, len(learners))
	for _, learner := range learners {
		cleaned := Learner{
			FullName: textutil.CleanText(learner.FullName),
			Email:    strings.ToLower(strings.TrimSpace(learner.Email)),
			Phone:    strings.TrimSpace(learner.Phone),
			Position: textutil.CleanText(learner.Position),
		}
		if cleaned.FullName == "" {
			return nil, fmt.Errorf("%w: line %d: learner full name is required", ErrOrderInvalidInput, line+1)
		}
		out = append(out, cleaned)
	}
	return out, nil
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
