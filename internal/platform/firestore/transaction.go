package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxOption tunes UnitOfWork transactions.
type TxOption func(*UnitOfWork)

// WithTxAttempts sets how often a contended transaction is retried. Default 5.
func WithTxAttempts(n int) TxOption {
	return func(u *UnitOfWork) {
		if n > 0 {
			u.attempts = n
		}
	}
}

// WithTxTimeout caps a transaction's total duration. Default 15s.
func WithTxTimeout(d time.Duration) TxOption {
	return func(u *UnitOfWork) {
		if d > 0 {
			u.timeout = d
		}
	}
}

type txKey struct{}

// TxFromContext returns the transaction RunInTx put on ctx.
func TxFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, tx != nil
}

// UnitOfWork runs a group of repository calls in one Firestore transaction. BaseRepository
// methods join the transaction found on the context.
type UnitOfWork struct {
	provider *Provider
	attempts int
	timeout  time.Duration
}

func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	u := &UnitOfWork{provider: provider, attempts: 5, timeout: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	return u
}

// RunInTx runs fn in a transaction, or inside the caller's transaction when ctx already carries
// one. fn may run more than once under contention and must only touch Firestore.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if u == nil || u.provider == nil {
		return errors.New("firestore: unit of work not initialised")
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	client, err := u.provider.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > u.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	}, firestore.MaxAttempts(u.attempts))
	return WrapError("transaction", err)
}
