package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/event"
	"github.com/utafrali/storecart/internal/pricing"
	"github.com/utafrali/storecart/internal/repository"
	"github.com/utafrali/storecart/internal/repository/memory"
)

// --- Catalog fixture ---

var (
	variantA = uuid.NewString() // priced in USD and TRY, translated to en and tr
	variantB = uuid.NewString() // priced in TRY only
	variantC = uuid.NewString() // translated to tr only
	variantD = uuid.NewString() // neither priced in USD nor translated to en

	userA = uuid.NewString()
	userB = uuid.NewString()
)

func seedCatalog(s *memory.Store) {
	tr := func(locale, name string) domain.Translation { return domain.Translation{Locale: locale, Name: name} }
	price := func(cur string, amount int64) domain.Price { return domain.Price{Currency: cur, Amount: amount} }

	s.PutVariant(memory.Variant{
		ID: variantA, ProductID: "prod-a", SKU: "A-1", ProductName: "Mug",
		Translations: map[string]domain.Translation{"en": tr("en", "Mug"), "tr": tr("tr", "Kupa")},
		Prices:       map[string]domain.Price{"USD": price("USD", 1000), "TRY": price("TRY", 30000)},
	})
	s.PutVariant(memory.Variant{
		ID: variantB, ProductID: "prod-b", SKU: "B-1", ProductName: "Tea",
		Translations: map[string]domain.Translation{"en": tr("en", "Tea"), "tr": tr("tr", "Çay")},
		Prices:       map[string]domain.Price{"TRY": price("TRY", 5000)},
	})
	s.PutVariant(memory.Variant{
		ID: variantC, ProductID: "prod-c", SKU: "C-1", ProductName: "Towel",
		Translations: map[string]domain.Translation{"tr": tr("tr", "Havlu")},
		Prices:       map[string]domain.Price{"USD": price("USD", 200), "TRY": price("TRY", 6000)},
	})
	s.PutVariant(memory.Variant{
		ID: variantD, ProductID: "prod-d", SKU: "D-1", ProductName: "Stein",
		Translations: map[string]domain.Translation{"de": tr("de", "Krug")},
		Prices:       map[string]domain.Price{"EUR": price("EUR", 900)},
	})
}

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so every write gets a distinct timestamp.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type publishedEvent struct {
	kind   string
	action string
	data   any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (r *recordingEvents) record(e publishedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingEvents) PublishCartUpdated(_ context.Context, action, _ string, view *domain.FormattedCart) error {
	return r.record(publishedEvent{kind: "updated", action: action, data: view})
}

func (r *recordingEvents) PublishCartMerged(_ context.Context, _, target, source string, adopted bool) error {
	action := "merge"
	if adopted {
		action = "adopt"
	}
	return r.record(publishedEvent{kind: "merged", action: action, data: [2]string{target, source}})
}

func (r *recordingEvents) PublishCartContextChanged(_ context.Context, data event.CartContextChangedData) error {
	return r.record(publishedEvent{kind: "context_changed", data: data})
}

func (r *recordingEvents) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.kind)
	}
	return out
}

type fakeLocker struct {
	held   map[string]bool
	err    error
	unlock int
}

func (l *fakeLocker) TryLock(_ context.Context, cartID string) (string, bool, error) {
	if l.err != nil {
		return "", false, l.err
	}
	if l.held[cartID] {
		return "", false, nil
	}
	l.held[cartID] = true
	return "token", true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, cartID, _ string) error {
	delete(l.held, cartID)
	l.unlock++
	return nil
}

type fakeCache struct {
	views       map[string]*domain.FormattedCart
	invalidated []string
	getErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{views: map[string]*domain.FormattedCart{}}
}

func (c *fakeCache) Get(_ context.Context, cartID, locale, currency string) (*domain.FormattedCart, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.views[cartID+"|"+locale+"|"+currency], nil
}

func (c *fakeCache) Set(_ context.Context, v *domain.FormattedCart) error {
	c.views[v.Cart.ID+"|"+v.Cart.Locale+"|"+v.Cart.Currency] = v
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, cartID string) error {
	c.invalidated = append(c.invalidated, cartID)
	for k := range c.views {
		if len(k) > len(cartID) && k[:len(cartID)] == cartID {
			delete(c.views, k)
		}
	}
	return nil
}

// countingStore records how often the store is reached through each entry point.
type countingStore struct {
	repository.Store
	catalogCalls int
	txCalls      int
}

func (s *countingStore) Catalog() repository.CatalogReader {
	s.catalogCalls++
	return s.Store.Catalog()
}

func (s *countingStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	s.txCalls++
	return s.Store.InTx(ctx, fn)
}

// faultyStore fails the nth item save or hide, counting across transactions.
type faultyStore struct {
	repository.Store
	faults *itemFaults
}

type itemFaults struct {
	saves, hides       int
	failSave, failHide int
}

func (s *faultyStore) Items() repository.CartItemRepository {
	return faultyItems{CartItemRepository: s.Store.Items(), faults: s.faults}
}

func (s *faultyStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&faultyStore{Store: tx, faults: s.faults})
	})
}

type faultyItems struct {
	repository.CartItemRepository
	faults *itemFaults
}

func (r faultyItems) UpdateIfVersion(ctx context.Context, item *domain.CartItem) (bool, error) {
	r.faults.saves++
	if r.faults.saves == r.faults.failSave {
		return false, errBoom
	}
	return r.CartItemRepository.UpdateIfVersion(ctx, item)
}

func (r faultyItems) HideByIDs(ctx context.Context, ids []string, cause domain.Cause, now time.Time) (int64, error) {
	r.faults.hides++
	if r.faults.hides == r.faults.failHide {
		return 0, errBoom
	}
	return r.CartItemRepository.HideByIDs(ctx, ids, cause, now)
}

// --- Fixture ---

type fixture struct {
	svc    *CartService
	val    *ValidationService
	store  *memory.Store
	events *recordingEvents
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore()
	seedCatalog(store)
	events := &recordingEvents{}
	clock := newFakeClock()

	val := NewValidationService(store, discardLogger(), WithValidationClock(clock.Now))
	all := append([]Option{WithEvents(events), WithClock(clock.Now), WithDefaultContext("en", "USD")}, opts...)
	svc := NewCartService(store, val, pricing.Local{}, discardLogger(), all...)

	return &fixture{svc: svc, val: val, store: store, events: events}
}

func userPtr(id string) *string { return &id }

func (f *fixture) guestCart(t *testing.T) *domain.Cart {
	t.Helper()
	cart, err := f.svc.ResolveCart(context.Background(), nil, "")
	require.NoError(t, err)
	return cart
}

func (f *fixture) add(t *testing.T, sess Session, variantID string, qty int) *domain.FormattedCart {
	t.Helper()
	view, err := f.svc.AddItem(context.Background(), sess, AddItemInput{VariantID: variantID, Quantity: qty, WhereAdded: "pdp"})
	require.NoError(t, err)
	return view
}

// visibleItems returns the rows of a cart that are visible and not deleted.
func (f *fixture) visibleItems(cartID string) []domain.CartItem {
	var out []domain.CartItem
	for _, it := range f.store.ItemsOf(cartID) {
		if it.IsActive() {
			out = append(out, it)
		}
	}
	return out
}

func (f *fixture) itemFor(t *testing.T, cartID, variantID string) *domain.CartItem {
	t.Helper()
	for _, it := range f.store.ItemsOf(cartID) {
		if it.VariantID == variantID {
			return &it
		}
	}
	require.FailNow(t, "item not found", "variant %s in cart %s", variantID, cartID)
	return nil
}

func (f *fixture) activeCartsOf(userID string) []domain.Cart {
	var out []domain.Cart
	for _, c := range f.store.CartsOf(userID) {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

var errBoom = errors.New("boom")
