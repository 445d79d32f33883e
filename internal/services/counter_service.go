package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/edu-center/api/internal/repositories"
)

const (
	orderCounterID     = "orders"
	orderNumberPrefix  = "E-"
	orderNumberModulus = 1_000_000
)

var (
	// ErrCounterInvalidInput indicates the counter repository rejected the request.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
}

type counterService struct {
	repo repositories.CounterRepository
}

// NewCounterService constructs a service that formats order numbers on top of the counter repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	return &counterService{repo: deps.Repository}, nil
}

// NextOrderNumber allocates the next order number. Sequences beyond six digits keep only the lowest six.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	seq, err := s.repo.Next(ctx, orderCounterID, 1)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) && counterErr.Code == repositories.CounterErrorInvalidInput {
			return "", fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		}
		return "", fmt.Errorf("counter: allocate order number: %w", err)
	}
	return FormatOrderNumber(seq), nil
}

// FormatOrderNumber renders E-NNNNNN.
func FormatOrderNumber(seq int64) string {
	if seq < 0 {
		seq = -seq
	}
	return fmt.Sprintf("%s%06d", orderNumberPrefix, seq%orderNumberModulus)
}
