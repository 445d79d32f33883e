//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/platform/firestore/firestoretest"
)

type sampleEntity struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func TestBaseRepositoryAndUnitOfWork(t *testing.T) {
	provider := firestoretest.NewProvider(t, "platform-test")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := pfirestore.NewBaseRepository[sampleEntity](provider, "samples")
	if err := repo.Create(ctx, "sample-1", sampleEntity{Name: "alpha", Count: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	type classifier interface {
		IsNotFound() bool
		IsConflict() bool
	}
	var cls classifier
	if err := repo.Create(ctx, "sample-1", sampleEntity{Name: "dup"}); !errors.As(err, &cls) || !cls.IsConflict() {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.As(err, &cls) || !cls.IsNotFound() {
		t.Fatalf("expected not found, got %v", err)
	}

	uow := pfirestore.NewUnitOfWork(provider)
	err := uow.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := repo.Get(ctx, "sample-1")
		if err != nil {
			return err
		}
		doc.Data.Count++
		return repo.Set(ctx, "sample-1", doc.Data)
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}

	doc, err := repo.Get(ctx, "sample-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Data.Count != 2 {
		t.Fatalf("expected count=2, got %d", doc.Data.Count)
	}

	rollback := errors.New("rollback")
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := repo.Delete(ctx, "sample-1"); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if _, err := repo.Get(ctx, "sample-1"); err != nil {
		t.Fatalf("document should survive rolled back delete: %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := uow.RunInTx(cancelled, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
