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
	"github.com/utafrali/storecart/internal/repository"
)

const itemColumns = `id, cart_id, variant_id, quantity, is_visible, visible_cause, deleted_at, where_added, version, created_at, updated_at`

// CartItemRepository implements repository.CartItemRepository.
type CartItemRepository struct {
	db database.DBTX
}

// NewCartItemRepository creates a PostgreSQL-backed cart item repository.
func NewCartItemRepository(db database.DBTX) *CartItemRepository {
	return &CartItemRepository{db: db}
}

func scanItem(row pgx.Row) (*domain.CartItem, error) {
	var (
		it        domain.CartItem
		isVisible bool
		cause     *string
	)
	err := row.Scan(
		&it.ID,
		&it.CartID,
		&it.VariantID,
		&it.Quantity,
		&isVisible,
		&cause,
		&it.DeletedAt,
		&it.WhereAdded,
		&it.Version,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Visibility, err = domain.VisibilityFromColumns(isVisible, cause)
	if err != nil {
		return nil, fmt.Errorf("cart item %s: %w", it.ID, err)
	}
	return &it, nil
}

// FindByVariant retrieves the cart's row for a variant in any state.
func (r *CartItemRepository) FindByVariant(ctx context.Context, cartID, variantID string) (item *domain.CartItem, err error) {
	query := `SELECT ` + itemColumns + ` FROM cart_items WHERE cart_id = $1 AND variant_id = $2`

	ctx, end := database.TraceQuery(ctx, "cart_items.FindByVariant", query)
	defer func() { end(err) }()

	item, err = scanItem(r.db.QueryRow(ctx, query, cartID, variantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("cart item for variant", variantID)
		}
		return nil, fmt.Errorf("find cart item by variant: %w", err)
	}
	return item, nil
}

// ListActive returns the visible, non-deleted rows of a cart.
func (r *CartItemRepository) ListActive(ctx context.Context, cartID string) (items []*domain.CartItem, err error) {
	query := `
		SELECT ` + itemColumns + `
		FROM cart_items
		WHERE cart_id = $1 AND is_visible = true AND deleted_at IS NULL
		ORDER BY created_at, id`

	ctx, end := database.TraceQuery(ctx, "cart_items.ListActive", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("list active cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart items: %w", err)
	}
	return items, nil
}

// CountActive counts the visible, non-deleted rows of a cart.
func (r *CartItemRepository) CountActive(ctx context.Context, cartID string) (n int, err error) {
	query := `SELECT count(*) FROM cart_items WHERE cart_id = $1 AND is_visible = true AND deleted_at IS NULL`

	ctx, end := database.TraceQuery(ctx, "cart_items.CountActive", query)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, query, cartID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active cart items: %w", err)
	}
	return n, nil
}

// UpsertAdd inserts the row or folds the quantity into the existing row for
// the same variant in one statement. The conflict update is skipped, and no
// row returned, when the sum would pass maxQuantity.
func (r *CartItemRepository) UpsertAdd(ctx context.Context, item *domain.CartItem, maxQuantity int) (stored *domain.CartItem, err error) {
	query := `
		INSERT INTO cart_items (id, cart_id, variant_id, quantity, is_visible, visible_cause, deleted_at, where_added, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, NULL, NULL, $5, 1, $6, $7)
		ON CONFLICT (cart_id, variant_id) DO UPDATE SET
			quantity = cart_items.quantity + EXCLUDED.quantity,
			is_visible = true,
			visible_cause = NULL,
			deleted_at = NULL,
			where_added = EXCLUDED.where_added,
			version = cart_items.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE cart_items.quantity + EXCLUDED.quantity <= $8
		RETURNING ` + itemColumns

	ctx, end := database.TraceQuery(ctx, "cart_items.UpsertAdd", query)
	defer func() { end(err) }()

	stored, err = scanItem(r.db.QueryRow(ctx, query,
		item.ID,
		item.CartID,
		item.VariantID,
		item.Quantity,
		item.WhereAdded,
		item.CreatedAt,
		item.UpdatedAt,
		maxQuantity,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("upsert cart item: %w", repository.ErrQuantityLimit)
		}
		return nil, fmt.Errorf("upsert cart item: %w", err)
	}
	return stored, nil
}

// UpdateIfVersion writes the item when its version is unchanged.
func (r *CartItemRepository) UpdateIfVersion(ctx context.Context, item *domain.CartItem) (ok bool, err error) {
	query := `
		UPDATE cart_items SET
			cart_id = $2,
			quantity = $3,
			is_visible = $4,
			visible_cause = $5,
			deleted_at = $6,
			where_added = $7,
			updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $9`

	ctx, end := database.TraceQuery(ctx, "cart_items.UpdateIfVersion", query)
	defer func() { end(err) }()

	isVisible, cause := item.Visibility.Columns()
	tag, err := r.db.Exec(ctx, query,
		item.ID,
		item.CartID,
		item.Quantity,
		isVisible,
		cause,
		item.DeletedAt,
		item.WhereAdded,
		item.UpdatedAt,
		item.Version,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return false, fmt.Errorf("update cart item: %w", apperrors.ErrAlreadyExists)
		}
		return false, fmt.Errorf("update cart item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	item.Version++
	return true, nil
}

func (r *CartItemRepository) batch(ctx context.Context, op, query string, args ...any) (n int64, err error) {
	ctx, end := database.TraceQuery(ctx, "cart_items."+op, query)
	defer func() { end(err) }()

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected(), nil
}

// HideVisibleByVariant hides every visible row of a variant as a user removal.
func (r *CartItemRepository) HideVisibleByVariant(ctx context.Context, cartID, variantID string, now time.Time) (int64, error) {
	return r.batch(ctx, "HideVisibleByVariant", `
		UPDATE cart_items SET is_visible = false, visible_cause = $3, deleted_at = $4, updated_at = $4, version = version + 1
		WHERE cart_id = $1 AND variant_id = $2 AND is_visible = true`,
		cartID, variantID, string(domain.CauseDeletedByUser), now)
}

// HideAllVisible hides every visible row of a cart as a user removal.
func (r *CartItemRepository) HideAllVisible(ctx context.Context, cartID string, now time.Time) (int64, error) {
	return r.batch(ctx, "HideAllVisible", `
		UPDATE cart_items SET is_visible = false, visible_cause = $2, deleted_at = $3, updated_at = $3, version = version + 1
		WHERE cart_id = $1 AND is_visible = true`,
		cartID, string(domain.CauseDeletedByUser), now)
}

// HideByIDs hides visible rows with a context mismatch cause.
func (r *CartItemRepository) HideByIDs(ctx context.Context, ids []string, cause domain.Cause, now time.Time) (int64, error) {
	v, err := domain.VisibilityForCause(cause)
	if err != nil || !v.Restorable() {
		return 0, apperrors.InvalidInput(fmt.Sprintf("cause %q is not a context mismatch", cause))
	}
	return r.batch(ctx, "HideByIDs", `
		UPDATE cart_items SET is_visible = false, visible_cause = $2, deleted_at = $3, updated_at = $3, version = version + 1
		WHERE id = ANY($1) AND is_visible = true`,
		ids, string(cause), now)
}

// RestoreByIDs makes mismatch-hidden rows visible again.
func (r *CartItemRepository) RestoreByIDs(ctx context.Context, ids []string, now time.Time) (int64, error) {
	return r.batch(ctx, "RestoreByIDs", `
		UPDATE cart_items SET is_visible = true, visible_cause = NULL, deleted_at = NULL, updated_at = $2, version = version + 1
		WHERE id = ANY($1) AND is_visible = false AND visible_cause = ANY($3)`,
		ids, now, mismatchCauses)
}

var mismatchCauses = []string{string(domain.CauseCurrencyMismatch), string(domain.CauseLocaleMismatch)}
