package txn

import (
	"errors"
	"fmt"

	"github.com/roach88/isocheck/internal/store"
)

// FailureKind categorizes a transaction failure.
type FailureKind string

const (
	// KindTransaction is any store error other than a serialization abort.
	KindTransaction FailureKind = "TRANSACTION_FAILURE"

	// KindSerialization is a store abort caused by a concurrency conflict.
	KindSerialization FailureKind = "SERIALIZATION_FAILURE"
)

// Failure is a store error raised while a transaction was running.
type Failure struct {
	Kind FailureKind
	TxID string
	Op   OpKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s: %v", f.Kind, f.TxID, f.Op, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// newFailure classifies a store error.
func newFailure(txID string, op OpKind, err error) *Failure {
	kind := KindTransaction
	if errors.Is(err, store.ErrSerialization) {
		kind = KindSerialization
	}
	return &Failure{Kind: kind, TxID: txID, Op: op, Err: err}
}

// IsSerializationFailure reports whether err is a serialization failure.
// Uses errors.As to handle wrapped errors.
func IsSerializationFailure(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == KindSerialization
	}
	return false
}

// IsTransactionFailure reports whether err is a transaction failure other
// than a serialization failure.
func IsTransactionFailure(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == KindTransaction
	}
	return false
}
