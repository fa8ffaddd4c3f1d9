package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/storecart/pkg/database"

	"github.com/utafrali/storecart/internal/repository"
)

// Store implements repository.Store on PostgreSQL.
type Store struct {
	db   database.DBTX
	inTx bool
}

var _ repository.Store = (*Store)(nil)

// NewStore creates a store over a pool, a transaction or a pgxmock pool.
func NewStore(db database.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) Carts() repository.CartRepository     { return &CartRepository{db: s.db} }
func (s *Store) Items() repository.CartItemRepository { return &CartItemRepository{db: s.db} }
func (s *Store) Catalog() repository.CatalogReader    { return &CatalogReader{db: s.db} }

// InTx runs fn in one transaction. Nested calls reuse the open transaction.
func (s *Store) InTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&Store{db: tx, inTx: true})
	})
}
