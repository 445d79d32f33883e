package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository implements repositories.CounterRepository backed by Firestore transactions.
type CounterRepository struct {
	uow      *pfirestore.UnitOfWork
	counters *pfirestore.BaseRepository[counterDocument]
	now      func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		uow:      pfirestore.NewUnitOfWork(provider, pfirestore.WithTxAttempts(10)),
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection),
		now:      time.Now,
	}, nil
}

// Next atomically increments the counter and returns the new value. The first call on a missing
// counter returns step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.uow == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step <= 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var next int64
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		current := int64(0)
		doc, err := r.counters.Get(ctx, id)
		switch {
		case err == nil:
			current = doc.Data.CurrentValue
		case isRepoNotFound(err):
		default:
			return err
		}

		next = current + step
		return r.counters.Set(ctx, id, counterDocument{
			CurrentValue: next,
			UpdatedAt:    r.now().UTC(),
		})
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
