package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/edu-center/api/internal/repositories"
)

type stubCounterRepository struct {
	mu        sync.Mutex
	nextFn    func(context.Context, string, int64) (int64, error)
	nextCalls []counterCall
}

type counterCall struct {
	ID   string
	Step int64
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	s.nextCalls = append(s.nextCalls, counterCall{ID: counterID, Step: step})
	s.mu.Unlock()
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

// casCounterRepository emulates a store-side compare-and-swap increment.
type casCounterRepository struct {
	mu     sync.Mutex
	values map[string]int64
}

func (c *casCounterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]int64{}
	}
	c.values[counterID] += step
	return c.values[counterID], nil
}

func TestCounterServiceNextOrderNumber(t *testing.T) {
	repo := &stubCounterRepository{}
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		return 1, nil
	}

	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	number, err := svc.NextOrderNumber(context.Background())
	if err != nil {
		t.Fatalf("next order number: %v", err)
	}
	if number != "E-000001" {
		t.Fatalf("expected E-000001, got %s", number)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.nextCalls) != 1 || repo.nextCalls[0].ID != "orders" || repo.nextCalls[0].Step != 1 {
		t.Fatalf("unexpected counter calls %+v", repo.nextCalls)
	}
}

func TestFormatOrderNumberKeepsLowestSixDigits(t *testing.T) {
	cases := map[int64]string{
		1:         "E-000001",
		999999:    "E-999999",
		1_000_000: "E-000000",
		1_234_567: "E-234567",
	}
	for seq, want := range cases {
		if got := FormatOrderNumber(seq); got != want {
			t.Fatalf("FormatOrderNumber(%d) = %s, want %s", seq, got, want)
		}
	}
}

func TestCounterServiceMapsRepositoryErrors(t *testing.T) {
	repo := &stubCounterRepository{}
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "bad step", nil)
	}

	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	if _, err := svc.NextOrderNumber(context.Background()); !errors.Is(err, ErrCounterInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}

	boom := errors.New("unavailable")
	repo.nextFn = func(context.Context, string, int64) (int64, error) { return 0, boom }
	if _, err := svc.NextOrderNumber(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
}

func TestCounterServiceConcurrentNumbersAreDistinct(t *testing.T) {
	svc, err := NewCounterService(CounterServiceDeps{Repository: &casCounterRepository{}})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	const workers = 50
	numbers := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			n, err := svc.NextOrderNumber(context.Background())
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			numbers[idx] = n
		}(i)
	}
	wg.Wait()

	sort.Strings(numbers)
	for i, n := range numbers {
		if want := FormatOrderNumber(int64(i + 1)); n != want {
			t.Fatalf("expected %s at position %d, got %s (all: %v)", want, i, n, numbers)
		}
	}
}
