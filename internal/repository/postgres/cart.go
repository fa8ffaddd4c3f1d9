package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/storecart/pkg/database"
	apperrors "github.com/utafrali/storecart/pkg/errors"

	"github.com/utafrali/storecart/internal/domain"
)

const cartColumns = `id, user_id, status, locale, currency, created_at, updated_at`

// CartRepository implements repository.CartRepository.
type CartRepository struct {
	db database.DBTX
}

// NewCartRepository creates a PostgreSQL-backed cart repository.
func NewCartRepository(db database.DBTX) *CartRepository {
	return &CartRepository{db: db}
}

func scanCart(row pgx.Row) (*domain.Cart, error) {
	var (
		c      domain.Cart
		status string
	)
	if err := row.Scan(&c.ID, &c.UserID, &status, &c.Locale, &c.Currency, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.CartStatus(status)
	return &c, nil
}

// GetByID retrieves a cart by id.
func (r *CartRepository) GetByID(ctx context.Context, id string) (cart *domain.Cart, err error) {
	query := `SELECT ` + cartColumns + ` FROM carts WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "carts.GetByID", query)
	defer func() { end(err) }()

	cart, err = scanCart(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("cart", id)
		}
		return nil, fmt.Errorf("get cart by id: %w", err)
	}
	return cart, nil
}

// GetActiveByUserID retrieves the user's ACTIVE cart.
func (r *CartRepository) GetActiveByUserID(ctx context.Context, userID string) (cart *domain.Cart, err error) {
	query := `SELECT ` + cartColumns + ` FROM carts WHERE user_id = $1 AND status = $2`

	ctx, end := database.TraceQuery(ctx, "carts.GetActiveByUserID", query)
	defer func() { end(err) }()

	cart, err = scanCart(r.db.QueryRow(ctx, query, userID, string(domain.CartStatusActive)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("active cart for user", userID)
		}
		return nil, fmt.Errorf("get active cart by user: %w", err)
	}
	return cart, nil
}

// Create inserts a cart. The partial unique index on carts(user_id) turns a
// second ACTIVE cart for one user into ErrAlreadyExists.
func (r *CartRepository) Create(ctx context.Context, cart *domain.Cart) (err error) {
	query := `
		INSERT INTO carts (id, user_id, status, locale, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, end := database.TraceQuery(ctx, "carts.Create", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		cart.ID,
		cart.UserID,
		string(cart.Status),
		cart.Locale,
		cart.Currency,
		cart.CreatedAt,
		cart.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("create cart: %w", apperrors.ErrAlreadyExists)
		}
		return fmt.Errorf("create cart: %w", err)
	}
	return nil
}

// AssignUser adopts an ACTIVE guest cart for userID.
func (r *CartRepository) AssignUser(ctx context.Context, cartID, userID string, now time.Time) (ok bool, err error) {
	query := `
		UPDATE carts SET user_id = $2, updated_at = $3
		WHERE id = $1 AND user_id IS NULL AND status = $4`

	ctx, end := database.TraceQuery(ctx, "carts.AssignUser", query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, cartID, userID, now, string(domain.CartStatusActive))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, fmt.Errorf("assign cart user: %w", apperrors.ErrAlreadyExists)
		}
		return false, fmt.Errorf("assign cart user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *CartRepository) exec(ctx context.Context, op, query, cartID string, args ...any) (err error) {
	ctx, end := database.TraceQuery(ctx, "carts."+op, query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, append([]any{cartID}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("cart", cartID)
	}
	return nil
}

// MarkMerged sets the terminal MERGED status.
func (r *CartRepository) MarkMerged(ctx context.Context, cartID string, now time.Time) error {
	return r.exec(ctx, "MarkMerged",
		`UPDATE carts SET status = $2, updated_at = $3 WHERE id = $1`,
		cartID, string(domain.CartStatusMerged), now)
}

// UpdateContext stores the cart's locale and currency.
func (r *CartRepository) UpdateContext(ctx context.Context, cartID, locale, currency string, now time.Time) error {
	return r.exec(ctx, "UpdateContext",
		`UPDATE carts SET locale = $2, currency = $3, updated_at = $4 WHERE id = $1`,
		cartID, locale, currency, now)
}

// Touch bumps updated_at.
func (r *CartRepository) Touch(ctx context.Context, cartID string, now time.Time) error {
	return r.exec(ctx, "Touch",
		`UPDATE carts SET updated_at = $2 WHERE id = $1`,
		cartID, now)
}
