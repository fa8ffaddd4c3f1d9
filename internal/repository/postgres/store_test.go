package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/storecart/pkg/database"
	apperrors "github.com/utafrali/storecart/pkg/errors"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/repository"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	return NewStore(mock), mock
}

var (
	fixedNow      = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cartCols      = []string{"id", "user_id", "status", "locale", "currency", "created_at", "updated_at"}
	itemCols      = []string{"id", "cart_id", "variant_id", "quantity", "is_visible", "visible_cause", "deleted_at", "where_added", "version", "created_at", "updated_at"}
	lineCols      = []string{"id", "variant_id", "quantity", "where_added", "is_visible", "visible_cause", "product_id", "sku", "name", "locale", "tr_name", "slug", "currency", "amount", "compare_at_amount"}
	noCause       *string
	noTime        *time.Time
	noString      *string
	noAmount      *int64
	uniqueViolate = &pgconn.PgError{Code: "23505"}
)

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

// ---------------------------------------------------------------------------
// CartRepository
// ---------------------------------------------------------------------------

func TestCartRepository_GetByID_Success(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	userID := strPtr("user-1")
	mock.ExpectQuery("SELECT .+ FROM carts WHERE id").
		WithArgs("cart-1").
		WillReturnRows(pgxmock.NewRows(cartCols).
			AddRow("cart-1", userID, "ACTIVE", "en", "USD", fixedNow, fixedNow))

	cart, err := store.Carts().GetByID(context.Background(), "cart-1")
	require.NoError(t, err)
	assert.Equal(t, "cart-1", cart.ID)
	assert.Equal(t, domain.CartStatusActive, cart.Status)
	assert.True(t, cart.OwnedBy("user-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_GetByID_NotFound(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM carts WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	cart, err := store.Carts().GetByID(context.Background(), "missing")
	assert.Nil(t, cart)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_GetActiveByUserID(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM carts WHERE user_id").
		WithArgs("user-1", "ACTIVE").
		WillReturnRows(pgxmock.NewRows(cartCols).
			AddRow("cart-1", strPtr("user-1"), "ACTIVE", "tr", "TRY", fixedNow, fixedNow))

	cart, err := store.Carts().GetActiveByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "TRY", cart.Currency)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_Create_UniqueViolation(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	cart := domain.NewCart("cart-2", strPtr("user-1"), "en", "USD", fixedNow)
	mock.ExpectExec("INSERT INTO carts").
		WithArgs(cart.ID, cart.UserID, "ACTIVE", "en", "USD", fixedNow, fixedNow).
		WillReturnError(uniqueViolate)

	err := store.Carts().Create(context.Background(), cart)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_AssignUser(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE carts SET user_id").
		WithArgs("cart-1", "user-1", fixedNow, "ACTIVE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE carts SET user_id").
		WithArgs("cart-2", "user-1", fixedNow, "ACTIVE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Carts().AssignUser(context.Background(), "cart-1", "user-1", fixedNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Carts().AssignUser(context.Background(), "cart-2", "user-1", fixedNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_MarkMerged_NotFound(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE carts SET status").
		WithArgs("cart-x", "MERGED", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.Carts().MarkMerged(context.Background(), "cart-x", fixedNow)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// CartItemRepository
// ---------------------------------------------------------------------------

func TestCartItemRepository_FindByVariant_HiddenRow(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	deletedAt := fixedNow
	mock.ExpectQuery("SELECT .+ FROM cart_items WHERE cart_id").
		WithArgs("cart-1", "var-1").
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("item-1", "cart-1", "var-1", 2, false, strPtr("LOCALE_MISMATCH"), &deletedAt, "pdp", 3, fixedNow, fixedNow))

	item, err := store.Items().FindByVariant(context.Background(), "cart-1", "var-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HiddenLocaleMismatch, item.Visibility)
	assert.Equal(t, 3, item.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_FindByVariant_RejectsVisibleRowWithCause(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM cart_items WHERE cart_id").
		WithArgs("cart-1", "var-1").
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("item-1", "cart-1", "var-1", 2, true, strPtr("DELETED_BY_USER"), noTime, "pdp", 1, fixedNow, fixedNow))

	_, err := store.Items().FindByVariant(context.Background(), "cart-1", "var-1")
	assert.ErrorIs(t, err, domain.ErrInvalidVisibility)
}

func TestCartItemRepository_UpsertAdd(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	item := domain.NewCartItem("item-new", "cart-1", "var-1", 3, "plp", fixedNow)
	mock.ExpectQuery("INSERT INTO cart_items .+ ON CONFLICT \\(cart_id, variant_id\\) DO UPDATE").
		WithArgs("item-new", "cart-1", "var-1", 3, "plp", fixedNow, fixedNow, 100).
		WillReturnRows(pgxmock.NewRows(itemCols).
			AddRow("item-old", "cart-1", "var-1", 5, true, noCause, noTime, "plp", 4, fixedNow, fixedNow))

	stored, err := store.Items().UpsertAdd(context.Background(), item, 100)
	require.NoError(t, err)
	assert.Equal(t, "item-old", stored.ID)
	assert.Equal(t, 5, stored.Quantity)
	assert.True(t, stored.IsActive())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_UpsertAdd_OverLimit(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	item := domain.NewCartItem("item-new", "cart-1", "var-1", 20, "plp", fixedNow)
	mock.ExpectQuery("ON CONFLICT .+ WHERE cart_items.quantity \\+ EXCLUDED.quantity <= \\$8").
		WithArgs("item-new", "cart-1", "var-1", 20, "plp", fixedNow, fixedNow, 100).
		WillReturnRows(pgxmock.NewRows(itemCols))

	_, err := store.Items().UpsertAdd(context.Background(), item, 100)
	assert.ErrorIs(t, err, repository.ErrQuantityLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_UpdateIfVersion(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	item := domain.NewCartItem("item-1", "cart-1", "var-1", 0, "pdp", fixedNow)
	item.Version = 2
	item.HideByUser(fixedNow)

	mock.ExpectExec("UPDATE cart_items SET").
		WithArgs("item-1", "cart-1", 0, false, strPtr("DELETED_BY_USER"), item.DeletedAt, "pdp", fixedNow, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.Items().UpdateIfVersion(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, item.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_UpdateIfVersion_Stale(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	item := domain.NewCartItem("item-1", "cart-1", "var-1", 4, "pdp", fixedNow)
	item.Version = 1

	mock.ExpectExec("UPDATE cart_items SET").
		WithArgs("item-1", "cart-1", 4, true, noCause, noTime, "pdp", fixedNow, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Items().UpdateIfVersion(context.Background(), item)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, item.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_HideAllVisible(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE cart_items SET is_visible = false").
		WithArgs("cart-1", "DELETED_BY_USER", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.Items().HideAllVisible(context.Background(), "cart-1", fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_HideByIDs_RejectsUserCause(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	_, err := store.Items().HideByIDs(context.Background(), []string{"item-1"}, domain.CauseDeletedByUser, fixedNow)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCartItemRepository_RestoreByIDs(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	ids := []string{"item-1", "item-2"}
	mock.ExpectExec("UPDATE cart_items SET is_visible = true").
		WithArgs(ids, fixedNow, []string{"CURRENCY_MISMATCH", "LOCALE_MISMATCH"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.Items().RestoreByIDs(context.Background(), ids, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// CatalogReader
// ---------------------------------------------------------------------------

func TestCatalogReader_ListActiveLines(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM cart_items ci .+ WHERE ci.cart_id = \\$1 AND ci.is_visible = true").
		WithArgs("cart-1", "en", "USD").
		WillReturnRows(pgxmock.NewRows(lineCols).
			AddRow("item-1", "var-1", 2, "pdp", true, noCause, "prod-1", "SKU-1", "Mug",
				strPtr("en"), strPtr("Mug"), strPtr("mug"), strPtr("USD"), i64Ptr(1500), i64Ptr(2000)).
			AddRow("item-2", "var-2", 1, "pdp", true, noCause, "prod-2", "SKU-2", "Cup",
				noString, noString, noString, noString, noAmount, noAmount))

	lines, err := store.Catalog().ListActiveLines(context.Background(), "cart-1", "en", "USD")
	require.NoError(t, err)
	require.Len(t, lines, 2)

	require.NotNil(t, lines[0].Price)
	assert.Equal(t, int64(1500), lines[0].Price.Amount)
	require.NotNil(t, lines[0].Price.CompareAtAmount)
	assert.Equal(t, int64(2000), *lines[0].Price.CompareAtAmount)
	require.NotNil(t, lines[0].Translation)
	assert.Equal(t, "Mug", lines[0].Translation.Name)

	assert.Nil(t, lines[1].Price)
	assert.Nil(t, lines[1].Translation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogReader_InvalidItemDetails(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	ids := []string{"item-1"}
	mock.ExpectQuery("SELECT .+ FROM cart_items ci").
		WithArgs(ids, "de").
		WillReturnRows(pgxmock.NewRows([]string{"id", "variant_id", "name", "visible_cause"}).
			AddRow("item-1", "var-1", "Mug", strPtr("CURRENCY_MISMATCH")))

	details, err := store.Catalog().InvalidItemDetails(context.Background(), ids, "de")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, domain.CauseCurrencyMismatch, details[0].Cause)
	assert.Equal(t, "Mug", details[0].ProductName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Store.InTx
// ---------------------------------------------------------------------------

func TestStore_InTx_Commit(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE carts SET status").
		WithArgs("cart-1", "MERGED", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx repository.Store) error {
		return tx.Carts().MarkMerged(context.Background(), "cart-1", fixedNow)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTx_RollbackOnError(t *testing.T) {
	store, mock := setupStore(t)
	defer mock.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx repository.Store) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
