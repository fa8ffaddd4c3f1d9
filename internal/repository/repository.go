package repository

import (
	"context"
	"errors"
	"time"

	"github.com/utafrali/storecart/internal/domain"
)

// ErrQuantityLimit is returned by UpsertAdd when the combined quantity would
// exceed the allowed maximum. Nothing is written.
var ErrQuantityLimit = errors.New("combined quantity exceeds the per-item maximum")

// CartRepository defines persistence operations on cart headers.
type CartRepository interface {
	// GetByID returns the cart or an error wrapping apperrors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Cart, error)

	// GetActiveByUserID returns the user's ACTIVE cart or an error wrapping
	// apperrors.ErrNotFound.
	GetActiveByUserID(ctx context.Context, userID string) (*domain.Cart, error)

	// Create inserts a new cart. A second ACTIVE cart for the same user fails
	// with an error wrapping apperrors.ErrAlreadyExists.
	Create(ctx context.Context, cart *domain.Cart) error

	// AssignUser hands an ACTIVE guest cart to userID. It reports false when the
	// cart is no longer an ACTIVE guest cart.
	AssignUser(ctx context.Context, cartID, userID string, now time.Time) (bool, error)

	// MarkMerged moves the cart to the terminal MERGED status.
	MarkMerged(ctx context.Context, cartID string, now time.Time) error

	// UpdateContext stores a new locale and currency.
	UpdateContext(ctx context.Context, cartID, locale, currency string, now time.Time) error

	// Touch bumps updated_at.
	Touch(ctx context.Context, cartID string, now time.Time) error
}

// CartItemRepository defines persistence operations on cart lines.
type CartItemRepository interface {
	// FindByVariant returns the cart's row for a variant in any visibility
	// state, or an error wrapping apperrors.ErrNotFound.
	FindByVariant(ctx context.Context, cartID, variantID string) (*domain.CartItem, error)

	// ListActive returns the visible, non-deleted rows of a cart.
	ListActive(ctx context.Context, cartID string) ([]*domain.CartItem, error)

	// CountActive counts the visible, non-deleted rows of a cart.
	CountActive(ctx context.Context, cartID string) (int, error)

	// UpsertAdd inserts the item, or when the cart already has a row for the
	// variant adds the quantity to it, makes it visible and overwrites its
	// provenance. The stored row is returned. When the resulting quantity
	// would exceed maxQuantity it fails with ErrQuantityLimit.
	UpsertAdd(ctx context.Context, item *domain.CartItem, maxQuantity int) (*domain.CartItem, error)

	// UpdateIfVersion writes the full item state when the stored version still
	// equals item.Version. It reports false when another writer got there
	// first. On success item.Version is advanced.
	UpdateIfVersion(ctx context.Context, item *domain.CartItem) (bool, error)

	// HideVisibleByVariant hides every visible row of a variant as a user
	// removal and returns how many rows changed.
	HideVisibleByVariant(ctx context.Context, cartID, variantID string, now time.Time) (int64, error)

	// HideAllVisible hides every visible row of a cart as a user removal.
	HideAllVisible(ctx context.Context, cartID string, now time.Time) (int64, error)

	// HideByIDs hides the given visible rows with a context mismatch cause.
	HideByIDs(ctx context.Context, ids []string, cause domain.Cause, now time.Time) (int64, error)

	// RestoreByIDs makes the given mismatch-hidden rows visible again. Rows
	// hidden for any other reason are left alone.
	RestoreByIDs(ctx context.Context, ids []string, now time.Time) (int64, error)
}

// CatalogReader joins cart rows with externally owned catalog data.
type CatalogReader interface {
	// ListActiveLines returns the visible, non-deleted rows of a cart joined
	// with the translation for locale and the price for currency.
	ListActiveLines(ctx context.Context, cartID, locale, currency string) ([]domain.LineItem, error)

	// ListRestorableLines returns rows hidden for a context mismatch joined
	// the same way.
	ListRestorableLines(ctx context.Context, cartID, locale, currency string) ([]domain.LineItem, error)

	// InvalidItemDetails describes hidden rows for display.
	InvalidItemDetails(ctx context.Context, ids []string, locale string) ([]domain.InvalidItemDetail, error)
}

// Store groups the repositories and runs units of work across them.
type Store interface {
	Carts() CartRepository
	Items() CartItemRepository
	Catalog() CatalogReader

	// InTx runs fn against a Store bound to one transaction. Any error from
	// fn rolls back every write made through it.
	InTx(ctx context.Context, fn func(Store) error) error
}

// ViewCache caches formatted carts per (locale, currency).
type ViewCache interface {
	// Get returns nil and no error on a miss.
	Get(ctx context.Context, cartID, locale, currency string) (*domain.FormattedCart, error)
	Set(ctx context.Context, view *domain.FormattedCart) error
	Invalidate(ctx context.Context, cartID string) error
}

// ContextLocker serializes context switches per cart.
type ContextLocker interface {
	// TryLock returns a token when the lock was taken, or ok=false when
	// another holder has it.
	TryLock(ctx context.Context, cartID string) (token string, ok bool, err error)
	Unlock(ctx context.Context, cartID, token string) error
}
