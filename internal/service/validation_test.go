package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/storecart/pkg/errors"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/event"
	"github.com/utafrali/storecart/internal/pricing"
	"github.com/utafrali/storecart/internal/repository/memory"
)

func newCountingFixture(t *testing.T) (*CartService, *ValidationService, *countingStore, *memory.Store) {
	t.Helper()
	mem := memory.NewStore()
	seedCatalog(mem)
	cs := &countingStore{Store: mem}
	clock := newFakeClock()
	val := NewValidationService(cs, discardLogger(), WithValidationClock(clock.Now))
	svc := NewCartService(cs, val, pricing.Local{}, discardLogger(),
		WithClock(clock.Now), WithDefaultContext("en", "USD"))
	return svc, val, cs, mem
}

func lineIDs(view *domain.FormattedCart) []string {
	ids := make([]string, 0, len(view.Items))
	for _, it := range view.Items {
		ids = append(ids, it.CartItemID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// ValidationService
// ---------------------------------------------------------------------------

func TestValidateCartItems_Causes(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	idA := f.add(t, sess, variantA, 1).Items[0].CartItemID
	f.add(t, sess, variantB, 1)
	f.add(t, sess, variantC, 1)
	f.add(t, sess, variantD, 1)

	res, err := f.val.ValidateCartItems(context.Background(), guest.ID, "en", "USD")

	require.NoError(t, err)
	assert.Equal(t, 1, res.ValidCount)
	require.Len(t, res.ItemsToHide, 3)

	causes := map[string]domain.Cause{}
	for _, it := range res.ItemsToHide {
		causes[it.CartItemID] = it.Cause
	}
	assert.NotContains(t, causes, idA)
	assert.Equal(t, domain.CauseCurrencyMismatch, causes[f.itemFor(t, guest.ID, variantB).ID])
	assert.Equal(t, domain.CauseLocaleMismatch, causes[f.itemFor(t, guest.ID, variantC).ID])
	// Missing both: the currency cause wins.
	assert.Equal(t, domain.CauseCurrencyMismatch, causes[f.itemFor(t, guest.ID, variantD).ID])

	// Validation never writes.
	for _, it := range f.store.ItemsOf(guest.ID) {
		assert.True(t, it.IsActive())
	}
}

func TestValidateCartItems_EmptyCart(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)

	res, err := f.val.ValidateCartItems(context.Background(), guest.ID, "en", "USD")

	require.NoError(t, err)
	assert.Empty(t, res.ItemsToHide)
	assert.NotNil(t, res.ItemsToHide)
	assert.Zero(t, res.ValidCount)
}

func TestHideInvalidItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantA, 1)
	f.add(t, sess, variantB, 1)
	idA := f.itemFor(t, guest.ID, variantA).ID
	idB := f.itemFor(t, guest.ID, variantB).ID

	err := f.val.HideInvalidItems(ctx, []domain.ItemToHide{
		{CartItemID: idA, Cause: domain.CauseLocaleMismatch},
		{CartItemID: idB, Cause: domain.CauseCurrencyMismatch},
	})
	require.NoError(t, err)

	a := f.itemFor(t, guest.ID, variantA)
	b := f.itemFor(t, guest.ID, variantB)
	assert.Equal(t, domain.HiddenLocaleMismatch, a.Visibility)
	assert.Equal(t, domain.HiddenCurrencyMismatch, b.Visibility)
	assert.NotNil(t, a.DeletedAt)
	assert.Equal(t, 1, a.Quantity)

	// Already hidden rows keep their first cause.
	err = f.val.HideInvalidItems(ctx, []domain.ItemToHide{{CartItemID: idA, Cause: domain.CauseCurrencyMismatch}})
	require.NoError(t, err)
	assert.Equal(t, domain.HiddenLocaleMismatch, f.itemFor(t, guest.ID, variantA).Visibility)
}

func TestHideInvalidItems_FailureHidesNothing(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantA, 1)
	f.add(t, sess, variantB, 1)
	idA := f.itemFor(t, guest.ID, variantA).ID
	idB := f.itemFor(t, guest.ID, variantB).ID

	// Currency is hidden first, so the locale batch is the one that fails.
	faulty := &faultyStore{Store: f.store, faults: &itemFaults{failHide: 2}}
	val := NewValidationService(faulty, discardLogger())

	err := val.HideInvalidItems(context.Background(), []domain.ItemToHide{
		{CartItemID: idA, Cause: domain.CauseCurrencyMismatch},
		{CartItemID: idB, Cause: domain.CauseLocaleMismatch},
	})

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 2, faulty.faults.hides)
	assert.True(t, f.itemFor(t, guest.ID, variantA).IsActive())
	assert.True(t, f.itemFor(t, guest.ID, variantB).IsActive())
	assert.Len(t, f.visibleItems(guest.ID), 2)
}

func TestHideInvalidItems_RejectsNonMismatchCause(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	f.add(t, Session{CartID: guest.ID}, variantA, 1)
	id := f.itemFor(t, guest.ID, variantA).ID

	for _, cause := range []domain.Cause{domain.CauseDeletedByUser, "SOMETHING_ELSE"} {
		err := f.val.HideInvalidItems(context.Background(), []domain.ItemToHide{{CartItemID: id, Cause: cause}})
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	}
	assert.True(t, f.itemFor(t, guest.ID, variantA).IsActive())
}

func TestHideInvalidItems_EmptyInputSkipsStore(t *testing.T) {
	_, val, cs, _ := newCountingFixture(t)

	require.NoError(t, val.HideInvalidItems(context.Background(), nil))
	require.NoError(t, val.HideInvalidItems(context.Background(), []domain.ItemToHide{}))

	assert.Zero(t, cs.txCalls)
}

func TestGetInvalidItemsDetails_EmptyInputSkipsStore(t *testing.T) {
	_, val, cs, _ := newCountingFixture(t)

	details, err := val.GetInvalidItemsDetails(context.Background(), nil, "en")

	require.NoError(t, err)
	assert.NotNil(t, details)
	assert.Empty(t, details)
	assert.Zero(t, cs.catalogCalls)
}

func TestGetInvalidItemsDetails_FallsBackToProductName(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantB, 1)
	f.add(t, sess, variantC, 1)
	idB := f.itemFor(t, guest.ID, variantB).ID
	idC := f.itemFor(t, guest.ID, variantC).ID

	details, err := f.val.GetInvalidItemsDetails(context.Background(), []string{idB, idC}, "tr")

	require.NoError(t, err)
	require.Len(t, details, 2)
	names := map[string]string{}
	for _, d := range details {
		names[d.CartItemID] = d.ProductName
	}
	assert.Equal(t, "Çay", names[idB])
	assert.Equal(t, "Havlu", names[idC])

	details, err = f.val.GetInvalidItemsDetails(context.Background(), []string{idC}, "en")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "Towel", details[0].ProductName)
}

func TestRestoreEligibleItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantB, 1)
	f.add(t, sess, variantC, 1)
	f.add(t, sess, variantA, 1)
	idA := f.itemFor(t, guest.ID, variantA).ID
	idB := f.itemFor(t, guest.ID, variantB).ID
	idC := f.itemFor(t, guest.ID, variantC).ID

	_, err := f.svc.RemoveItem(ctx, sess, variantA)
	require.NoError(t, err)
	require.NoError(t, f.val.HideInvalidItems(ctx, []domain.ItemToHide{
		{CartItemID: idB, Cause: domain.CauseCurrencyMismatch},
		{CartItemID: idC, Cause: domain.CauseLocaleMismatch},
	}))

	// B has no USD price, so only C comes back.
	res, err := f.val.RestoreEligibleItems(ctx, guest.ID, "tr", "USD")
	require.NoError(t, err)
	assert.Equal(t, []string{idC}, res.RestoredItemIDs)
	assert.Equal(t, 1, res.RestoredCount)

	assert.True(t, f.itemFor(t, guest.ID, variantC).IsActive())
	assert.Equal(t, domain.HiddenCurrencyMismatch, f.itemFor(t, guest.ID, variantB).Visibility)
	assert.Equal(t, domain.HiddenByUser, f.itemFor(t, guest.ID, variantA).Visibility)
	assert.NotContains(t, res.RestoredItemIDs, idA)
}

func TestRevalidate_ReportsDetails(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantA, 1)
	f.add(t, sess, variantB, 1)
	f.add(t, sess, variantC, 1)

	out, err := f.val.Revalidate(context.Background(), guest.ID, "en", "USD")

	require.NoError(t, err)
	assert.Equal(t, 1, out.ValidCount)
	assert.Empty(t, out.RestoredItemIDs)
	require.Len(t, out.InvalidItems, 2)
	byVariant := map[string]domain.InvalidItemDetail{}
	for _, d := range out.InvalidItems {
		byVariant[d.VariantID] = d
	}
	assert.Equal(t, domain.CauseCurrencyMismatch, byVariant[variantB].Cause)
	assert.Equal(t, "Tea", byVariant[variantB].ProductName)
	assert.Equal(t, domain.CauseLocaleMismatch, byVariant[variantC].Cause)
	assert.Equal(t, "Towel", byVariant[variantC].ProductName)
	assert.Len(t, f.visibleItems(guest.ID), 1)
}

// ---------------------------------------------------------------------------
// UpdateCartContext
// ---------------------------------------------------------------------------

func TestUpdateCartContext_HideThenRestore(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	f := newFixture(t, WithContextLock(locker))
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}

	res, err := f.svc.UpdateCartContext(ctx, sess, "tr", "TRY")
	require.NoError(t, err)
	assert.True(t, res.ContextChanged)

	f.add(t, sess, variantA, 1)
	view := f.add(t, sess, variantB, 2)
	require.Len(t, view.Items, 2)
	idB := f.itemFor(t, guest.ID, variantB).ID

	// en/USD has no price for B.
	res, err = f.svc.UpdateCartContext(ctx, sess, "en", "USD")
	require.NoError(t, err)
	assert.True(t, res.ContextChanged)
	require.Len(t, res.InvalidItems, 1)
	assert.Equal(t, idB, res.InvalidItems[0].CartItemID)
	assert.Equal(t, domain.CauseCurrencyMismatch, res.InvalidItems[0].Cause)
	assert.Equal(t, "Tea", res.InvalidItems[0].ProductName)
	assert.Empty(t, res.RestoredItems)
	assert.Equal(t, "en", res.Cart.Cart.Locale)
	assert.Equal(t, "USD", res.Cart.Cart.Currency)
	assert.NotContains(t, lineIDs(res.Cart), idB)
	assert.Equal(t, "USD", res.Cart.Summary.Currency)
	assert.Equal(t, int64(1000), res.Cart.Summary.TotalAmount)

	// Back to tr/TRY: B comes back with its quantity.
	res, err = f.svc.UpdateCartContext(ctx, sess, "tr", "TRY")
	require.NoError(t, err)
	assert.Equal(t, []string{idB}, res.RestoredItems)
	assert.Empty(t, res.InvalidItems)
	assert.Contains(t, lineIDs(res.Cart), idB)
	b := f.itemFor(t, guest.ID, variantB)
	assert.True(t, b.IsActive())
	assert.Equal(t, 2, b.Quantity)

	assert.Equal(t, 3, locker.unlock)
	assert.Empty(t, locker.held)
}

func TestUpdateCartContext_RestoredAndHiddenAreDisjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantA, 1)
	f.add(t, sess, variantB, 1)
	f.add(t, sess, variantC, 1)

	_, err := f.svc.UpdateCartContext(ctx, sess, "tr", "TRY")
	require.NoError(t, err)
	require.NoError(t, f.val.HideInvalidItems(ctx, []domain.ItemToHide{
		{CartItemID: f.itemFor(t, guest.ID, variantC).ID, Cause: domain.CauseLocaleMismatch},
	}))

	// de/EUR sells nothing but D: C is not restored and A and B get hidden.
	res, err := f.svc.UpdateCartContext(ctx, sess, "de", "EUR")
	require.NoError(t, err)
	assert.Empty(t, res.RestoredItems)
	assert.Len(t, res.InvalidItems, 2)

	res, err = f.svc.UpdateCartContext(ctx, sess, "tr", "TRY")
	require.NoError(t, err)
	assert.Len(t, res.RestoredItems, 3)
	assert.Empty(t, res.InvalidItems)

	for _, id := range res.RestoredItems {
		for _, inv := range res.InvalidItems {
			assert.NotEqual(t, id, inv.CartItemID)
		}
	}
	assert.Len(t, f.visibleItems(guest.ID), 3)
}

func TestUpdateCartContext_UserRemovalSurvives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantA, 1)
	f.add(t, sess, variantB, 1)
	_, err := f.svc.RemoveItem(ctx, sess, variantA)
	require.NoError(t, err)

	for _, c := range [][2]string{{"tr", "TRY"}, {"en", "USD"}, {"tr", "TRY"}} {
		res, err := f.svc.UpdateCartContext(ctx, sess, c[0], c[1])
		require.NoError(t, err)
		assert.NotContains(t, res.RestoredItems, f.itemFor(t, guest.ID, variantA).ID)
	}

	a := f.itemFor(t, guest.ID, variantA)
	assert.Equal(t, domain.HiddenByUser, a.Visibility)
	assert.True(t, f.itemFor(t, guest.ID, variantB).IsActive())
}

func TestUpdateCartContext_UnchangedContextWritesNothing(t *testing.T) {
	svc, _, cs, mem := newCountingFixture(t)
	ctx := context.Background()
	cart, err := svc.ResolveCart(ctx, nil, "")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, Session{CartID: cart.ID}, AddItemInput{VariantID: variantB, Quantity: 1})
	require.NoError(t, err)

	before := mem.ItemsOf(cart.ID)
	stored, err := mem.Carts().GetByID(ctx, cart.ID)
	require.NoError(t, err)
	txBefore := cs.txCalls

	// B is not sellable in en/USD, but nothing is revalidated on the fast path.
	res, err := svc.UpdateCartContext(ctx, Session{CartID: cart.ID}, "en", "USD")

	require.NoError(t, err)
	assert.False(t, res.ContextChanged)
	assert.NotNil(t, res.InvalidItems)
	assert.Empty(t, res.InvalidItems)
	assert.Empty(t, res.RestoredItems)
	assert.Equal(t, txBefore, cs.txCalls)
	assert.Equal(t, before, mem.ItemsOf(cart.ID))

	after, err := mem.Carts().GetByID(ctx, cart.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.UpdatedAt, after.UpdatedAt)
}

func TestUpdateCartContext_InvalidInput(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}

	tests := []struct {
		name, locale, currency string
	}{
		{"empty locale", "", "USD"},
		{"bad locale", "not a locale!", "USD"},
		{"empty currency", "en", ""},
		{"bad currency", "en", "DOLLARS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdateCartContext(context.Background(), sess, tt.locale, tt.currency)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestUpdateCartContext_LockHeldReturnsConflict(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	f := newFixture(t, WithContextLock(locker))
	ctx := context.Background()
	guest := f.guestCart(t)
	locker.held[guest.ID] = true

	_, err := f.svc.UpdateCartContext(ctx, Session{CartID: guest.ID}, "tr", "TRY")

	assert.ErrorIs(t, err, apperrors.ErrConflict)
	stored, err := f.store.Carts().GetByID(ctx, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, "en", stored.Locale)
	assert.Equal(t, "USD", stored.Currency)
	assert.Zero(t, locker.unlock)
}

func TestUpdateCartContext_LockErrorProceeds(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}, err: errBoom}
	f := newFixture(t, WithContextLock(locker))
	guest := f.guestCart(t)

	res, err := f.svc.UpdateCartContext(context.Background(), Session{CartID: guest.ID}, "tr", "TRY")

	require.NoError(t, err)
	assert.True(t, res.ContextChanged)
	assert.Equal(t, "tr", res.Cart.Cart.Locale)
	assert.Zero(t, locker.unlock)
}

func TestUpdateCartContext_PublishesEvent(t *testing.T) {
	f := newFixture(t)
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantC, 1)
	idC := f.itemFor(t, guest.ID, variantC).ID

	// C is not translated to en but is sellable in tr.
	_, err := f.svc.UpdateCartContext(context.Background(), sess, "tr", "USD")
	require.NoError(t, err)
	_, err = f.svc.UpdateCartContext(context.Background(), sess, "en", "USD")
	require.NoError(t, err)

	var changes []event.CartContextChangedData
	for _, e := range f.events.events {
		if e.kind == "context_changed" {
			changes = append(changes, e.data.(event.CartContextChangedData))
		}
	}
	require.Len(t, changes, 2)
	assert.Equal(t, "en", changes[0].PreviousLocale)
	assert.Equal(t, "tr", changes[0].Locale)
	assert.Empty(t, changes[0].HiddenItemIDs)
	assert.Equal(t, "tr", changes[1].PreviousLocale)
	assert.Equal(t, []string{idC}, changes[1].HiddenItemIDs)
}

func TestUpdateCartContext_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.events.err = errBoom
	guest := f.guestCart(t)

	res, err := f.svc.UpdateCartContext(context.Background(), Session{CartID: guest.ID}, "tr", "TRY")

	require.NoError(t, err)
	assert.True(t, res.ContextChanged)
}

func TestUpdateCartContext_InvalidatesCache(t *testing.T) {
	cache := newFakeCache()
	f := newFixture(t, WithViewCache(cache))
	ctx := context.Background()
	guest := f.guestCart(t)
	sess := Session{CartID: guest.ID}
	f.add(t, sess, variantB, 1)

	_, err := f.svc.GetFormattedCart(ctx, guest.ID, "en", "USD")
	require.NoError(t, err)
	cache.invalidated = nil

	_, err = f.svc.UpdateCartContext(ctx, sess, "tr", "TRY")
	require.NoError(t, err)

	assert.Contains(t, cache.invalidated, guest.ID)
	view, err := f.svc.GetFormattedCart(ctx, guest.ID, "tr", "TRY")
	require.NoError(t, err)
	assert.Len(t, view.Items, 1)
}
