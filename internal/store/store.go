// Package store provides the read-only transaction store the scoring engine
// evaluates rules against.
package store

import (
	"errors"
	"fmt"
	"slices"

	"github.com/opensource-finance/achscore/internal/domain"
)

// Store is an ordered, immutable collection of transactions together with
// the set of fields its source provided. A Store is safe for concurrent reads.
type Store struct {
	txs        []domain.Transaction
	index      map[string]int
	fields     map[string]struct{}
	attributes []string
}

// New builds a store that provides every schema field.
func New(txs []domain.Transaction) (*Store, error) {
	return NewWithFields(txs, domain.TransactionFields())
}

// NewWithFields builds a store that provides only the given fields. The batch
// is validated as a whole: if any record violates the data model the store is
// not built and every violation is reported.
func NewWithFields(txs []domain.Transaction, fields []string) (*Store, error) {
	return build(txs, fields, nil)
}

func build(txs []domain.Transaction, fields []string, attributes []string) (*Store, error) {
	s := &Store{
		txs:        slices.Clone(txs),
		index:      make(map[string]int, len(txs)),
		fields:     make(map[string]struct{}, len(fields)),
		attributes: attributes,
	}
	for _, f := range fields {
		s.fields[f] = struct{}{}
	}
	if !s.HasField(domain.FieldTransactionID) {
		return nil, &domain.SchemaError{Field: domain.FieldTransactionID}
	}

	var violations []error
	for i := range s.txs {
		tx := &s.txs[i]
		if prev, dup := s.index[tx.TransactionID]; dup {
			violations = append(violations, &domain.InvariantError{
				Index:         i,
				TransactionID: tx.TransactionID,
				Reason:        fmt.Sprintf("duplicate transaction_id (first seen at record %d)", prev),
			})
			continue
		}
		s.index[tx.TransactionID] = i

		for _, reason := range s.check(tx) {
			violations = append(violations, &domain.InvariantError{
				Index:         i,
				TransactionID: tx.TransactionID,
				Reason:        reason,
			})
		}
	}

	if len(violations) > 0 {
		return nil, fmt.Errorf("transaction batch rejected, %d violation(s): %w", len(violations), errors.Join(violations...))
	}
	return s, nil
}

// Len returns the number of transactions.
func (s *Store) Len() int {
	return len(s.txs)
}

// At returns the transaction at position i.
func (s *Store) At(i int) domain.Transaction {
	return s.txs[i]
}

// Transactions returns the transactions in store order. The slice is a copy.
func (s *Store) Transactions() []domain.Transaction {
	return slices.Clone(s.txs)
}

// IndexOf returns the position of a transaction ID.
func (s *Store) IndexOf(transactionID string) (int, bool) {
	i, ok := s.index[transactionID]
	return i, ok
}

// Lookup returns the transaction with the given ID.
func (s *Store) Lookup(transactionID string) (domain.Transaction, bool) {
	i, ok := s.index[transactionID]
	if !ok {
		return domain.Transaction{}, false
	}
	return s.txs[i], true
}

// HasField reports whether the source provided the field.
func (s *Store) HasField(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Fields returns the provided schema fields in canonical order.
func (s *Store) Fields() []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range domain.TransactionFields() {
		if s.HasField(f) {
			out = append(out, f)
		}
	}
	return out
}

// Attributes returns the names of non-schema columns in source order.
func (s *Store) Attributes() []string {
	return slices.Clone(s.attributes)
}
