// Package memory is an in-process Store used for local development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	apperrors "github.com/utafrali/storecart/pkg/errors"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/repository"
)

// Variant is the catalog data the store joins cart rows against.
type Variant struct {
	ID           string
	ProductID    string
	SKU          string
	ProductName  string
	Translations map[string]domain.Translation // by locale
	Prices       map[string]domain.Price       // by currency
}

type state struct {
	carts    map[string]domain.Cart
	items    map[string]domain.CartItem
	variants map[string]Variant
}

func (st *state) clone() *state {
	out := &state{
		carts:    make(map[string]domain.Cart, len(st.carts)),
		items:    make(map[string]domain.CartItem, len(st.items)),
		variants: st.variants,
	}
	for k, v := range st.carts {
		out.carts[k] = v
	}
	for k, v := range st.items {
		out.items[k] = v
	}
	return out
}

// Store keeps carts and items in maps guarded by one mutex. InTx works on a
// copy of the state and swaps it in on success, so a failed unit of work
// leaves nothing behind.
type Store struct {
	mu   *sync.Mutex
	root **state
	tx   *state
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	st := &state{
		carts:    make(map[string]domain.Cart),
		items:    make(map[string]domain.CartItem),
		variants: make(map[string]Variant),
	}
	return &Store{mu: &sync.Mutex{}, root: &st}
}

// PutVariant registers catalog data for a variant.
func (s *Store) PutVariant(v Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	variants := make(map[string]Variant, len((*s.root).variants)+1)
	for k, existing := range (*s.root).variants {
		variants[k] = existing
	}
	variants[v.ID] = v
	(*s.root).variants = variants
}

// Item returns a stored row regardless of its visibility. Test helper.
func (s *Store) Item(id string) (domain.CartItem, bool) {
	var (
		item domain.CartItem
		ok   bool
	)
	_ = s.do(func(st *state) error {
		item, ok = st.items[id]
		return nil
	})
	return item, ok
}

// ItemsOf returns every row of a cart ordered by creation. Test helper.
func (s *Store) ItemsOf(cartID string) []domain.CartItem {
	var out []domain.CartItem
	_ = s.do(func(st *state) error {
		for _, it := range st.items {
			if it.CartID == cartID {
				out = append(out, it)
			}
		}
		return nil
	})
	sortItems(out)
	return out
}

// CartsOf returns every cart owned by userID. Test helper.
func (s *Store) CartsOf(userID string) []domain.Cart {
	var out []domain.Cart
	_ = s.do(func(st *state) error {
		for _, c := range st.carts {
			if c.OwnedBy(userID) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out
}

func (s *Store) do(fn func(*state) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(*s.root)
}

func (s *Store) Carts() repository.CartRepository     { return cartRepo{s} }
func (s *Store) Items() repository.CartItemRepository { return itemRepo{s} }
func (s *Store) Catalog() repository.CatalogReader    { return catalogReader{s} }

// InTx runs fn on a private copy of the state. Nested calls join the outer
// unit of work.
func (s *Store) InTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, root: s.root, tx: (*s.root).clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	*s.root = tx.tx
	return nil
}

func sortItems(items []domain.CartItem) {
	slices.SortFunc(items, func(a, b domain.CartItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

type cartRepo struct{ s *Store }

func (r cartRepo) GetByID(_ context.Context, id string) (*domain.Cart, error) {
	var out *domain.Cart
	err := r.s.do(func(st *state) error {
		c, ok := st.carts[id]
		if !ok {
			return apperrors.NotFound("cart", id)
		}
		out = &c
		return nil
	})
	return out, err
}

func activeCartOf(st *state, userID string) (domain.Cart, bool) {
	for _, c := range st.carts {
		if c.IsActive() && c.OwnedBy(userID) {
			return c, true
		}
	}
	return domain.Cart{}, false
}

func (r cartRepo) GetActiveByUserID(_ context.Context, userID string) (*domain.Cart, error) {
	var out *domain.Cart
	err := r.s.do(func(st *state) error {
		c, ok := activeCartOf(st, userID)
		if !ok {
			return apperrors.NotFound("active cart for user", userID)
		}
		out = &c
		return nil
	})
	return out, err
}

func (r cartRepo) Create(_ context.Context, cart *domain.Cart) error {
	return r.s.do(func(st *state) error {
		if _, ok := st.carts[cart.ID]; ok {
			return fmt.Errorf("create cart: %w", apperrors.ErrAlreadyExists)
		}
		if cart.UserID != nil && cart.IsActive() {
			if _, ok := activeCartOf(st, *cart.UserID); ok {
				return fmt.Errorf("create cart: %w", apperrors.ErrAlreadyExists)
			}
		}
		st.carts[cart.ID] = *cart
		return nil
	})
}

func (r cartRepo) AssignUser(_ context.Context, cartID, userID string, now time.Time) (bool, error) {
	assigned := false
	err := r.s.do(func(st *state) error {
		c, ok := st.carts[cartID]
		if !ok || !c.IsAdoptableGuest() {
			return nil
		}
		if _, taken := activeCartOf(st, userID); taken {
			return fmt.Errorf("assign cart user: %w", apperrors.ErrAlreadyExists)
		}
		uid := userID
		c.UserID = &uid
		c.UpdatedAt = now
		st.carts[cartID] = c
		assigned = true
		return nil
	})
	return assigned, err
}

func (r cartRepo) update(cartID string, fn func(*domain.Cart)) error {
	return r.s.do(func(st *state) error {
		c, ok := st.carts[cartID]
		if !ok {
			return apperrors.NotFound("cart", cartID)
		}
		fn(&c)
		st.carts[cartID] = c
		return nil
	})
}

func (r cartRepo) MarkMerged(_ context.Context, cartID string, now time.Time) error {
	return r.update(cartID, func(c *domain.Cart) {
		c.Status = domain.CartStatusMerged
		c.UpdatedAt = now
	})
}

func (r cartRepo) UpdateContext(_ context.Context, cartID, locale, currency string, now time.Time) error {
	return r.update(cartID, func(c *domain.Cart) {
		c.Locale = locale
		c.Currency = currency
		c.UpdatedAt = now
	})
}

func (r cartRepo) Touch(_ context.Context, cartID string, now time.Time) error {
	return r.update(cartID, func(c *domain.Cart) {
		c.UpdatedAt = now
	})
}

type itemRepo struct{ s *Store }

func findByVariant(st *state, cartID, variantID string) (domain.CartItem, bool) {
	for _, it := range st.items {
		if it.CartID == cartID && it.VariantID == variantID {
			return it, true
		}
	}
	return domain.CartItem{}, false
}

func activeItems(st *state, cartID string) []domain.CartItem {
	var out []domain.CartItem
	for _, it := range st.items {
		if it.CartID == cartID && it.IsActive() {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

func (r itemRepo) FindByVariant(_ context.Context, cartID, variantID string) (*domain.CartItem, error) {
	var out *domain.CartItem
	err := r.s.do(func(st *state) error {
		it, ok := findByVariant(st, cartID, variantID)
		if !ok {
			return apperrors.NotFound("cart item for variant", variantID)
		}
		out = &it
		return nil
	})
	return out, err
}

func (r itemRepo) ListActive(_ context.Context, cartID string) ([]*domain.CartItem, error) {
	var out []*domain.CartItem
	err := r.s.do(func(st *state) error {
		for _, it := range activeItems(st, cartID) {
			out = append(out, &it)
		}
		return nil
	})
	return out, err
}

func (r itemRepo) CountActive(_ context.Context, cartID string) (int, error) {
	n := 0
	err := r.s.do(func(st *state) error {
		n = len(activeItems(st, cartID))
		return nil
	})
	return n, err
}

func (r itemRepo) UpsertAdd(_ context.Context, item *domain.CartItem, maxQuantity int) (*domain.CartItem, error) {
	var out domain.CartItem
	err := r.s.do(func(st *state) error {
		existing, ok := findByVariant(st, item.CartID, item.VariantID)
		if !ok {
			out = *item
			out.Version = 1
			st.items[out.ID] = out
			return nil
		}
		if existing.Quantity+item.Quantity > maxQuantity {
			return fmt.Errorf("upsert cart item: %w", repository.ErrQuantityLimit)
		}
		existing.AddQuantity(item.Quantity, item.WhereAdded, item.UpdatedAt)
		existing.Version++
		st.items[existing.ID] = existing
		out = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r itemRepo) UpdateIfVersion(_ context.Context, item *domain.CartItem) (bool, error) {
	updated := false
	err := r.s.do(func(st *state) error {
		stored, ok := st.items[item.ID]
		if !ok || stored.Version != item.Version {
			return nil
		}
		if stored.CartID != item.CartID {
			if other, dup := findByVariant(st, item.CartID, item.VariantID); dup && other.ID != item.ID {
				return fmt.Errorf("update cart item: %w", apperrors.ErrAlreadyExists)
			}
		}
		next := *item
		next.Version++
		st.items[item.ID] = next
		item.Version = next.Version
		updated = true
		return nil
	})
	return updated, err
}

func (r itemRepo) updateWhere(match func(domain.CartItem) bool, apply func(*domain.CartItem)) (int64, error) {
	var n int64
	err := r.s.do(func(st *state) error {
		for id, it := range st.items {
			if !match(it) {
				continue
			}
			apply(&it)
			it.Version++
			st.items[id] = it
			n++
		}
		return nil
	})
	return n, err
}

func (r itemRepo) HideVisibleByVariant(_ context.Context, cartID, variantID string, now time.Time) (int64, error) {
	return r.updateWhere(
		func(it domain.CartItem) bool {
			return it.CartID == cartID && it.VariantID == variantID && it.Visibility.IsVisible()
		},
		func(it *domain.CartItem) { it.HideByUser(now) },
	)
}

func (r itemRepo) HideAllVisible(_ context.Context, cartID string, now time.Time) (int64, error) {
	return r.updateWhere(
		func(it domain.CartItem) bool { return it.CartID == cartID && it.Visibility.IsVisible() },
		func(it *domain.CartItem) { it.HideByUser(now) },
	)
}

func (r itemRepo) HideByIDs(_ context.Context, ids []string, cause domain.Cause, now time.Time) (int64, error) {
	target, err := domain.VisibilityForCause(cause)
	if err != nil {
		return 0, err
	}
	if !target.Restorable() {
		return 0, fmt.Errorf("hide cart items: %w", apperrors.InvalidInput("cause must be a context mismatch"))
	}
	return r.updateWhere(
		func(it domain.CartItem) bool { return slices.Contains(ids, it.ID) && it.Visibility.IsVisible() },
		func(it *domain.CartItem) { _ = it.HideForMismatch(cause, now) },
	)
}

func (r itemRepo) RestoreByIDs(_ context.Context, ids []string, now time.Time) (int64, error) {
	return r.updateWhere(
		func(it domain.CartItem) bool { return slices.Contains(ids, it.ID) && it.Visibility.Restorable() },
		func(it *domain.CartItem) { _ = it.Restore(now) },
	)
}

type catalogReader struct{ s *Store }

func joinLine(st *state, it domain.CartItem, locale, currency string) domain.LineItem {
	line := domain.LineItem{
		CartItemID: it.ID,
		VariantID:  it.VariantID,
		Quantity:   it.Quantity,
		WhereAdded: it.WhereAdded,
		Visibility: it.Visibility,
	}
	v, ok := st.variants[it.VariantID]
	if !ok {
		return line
	}
	line.ProductID = v.ProductID
	line.SKU = v.SKU
	line.ProductName = v.ProductName
	if tr, ok := v.Translations[locale]; ok {
		line.Translation = &tr
	}
	if p, ok := v.Prices[currency]; ok {
		line.Price = &p
	}
	return line
}

func (c catalogReader) listLines(cartID, locale, currency string, match func(domain.CartItem) bool) ([]domain.LineItem, error) {
	var out []domain.LineItem
	err := c.s.do(func(st *state) error {
		var rows []domain.CartItem
		for _, it := range st.items {
			if it.CartID == cartID && match(it) {
				rows = append(rows, it)
			}
		}
		sortItems(rows)
		for _, it := range rows {
			out = append(out, joinLine(st, it, locale, currency))
		}
		return nil
	})
	return out, err
}

func (c catalogReader) ListActiveLines(_ context.Context, cartID, locale, currency string) ([]domain.LineItem, error) {
	return c.listLines(cartID, locale, currency, func(it domain.CartItem) bool {
		return it.IsActive()
	})
}

func (c catalogReader) ListRestorableLines(_ context.Context, cartID, locale, currency string) ([]domain.LineItem, error) {
	return c.listLines(cartID, locale, currency, func(it domain.CartItem) bool {
		return it.Visibility.Restorable()
	})
}

func (c catalogReader) InvalidItemDetails(_ context.Context, ids []string, locale string) ([]domain.InvalidItemDetail, error) {
	var out []domain.InvalidItemDetail
	err := c.s.do(func(st *state) error {
		for _, id := range ids {
			it, ok := st.items[id]
			if !ok {
				continue
			}
			line := joinLine(st, it, locale, "")
			out = append(out, domain.InvalidItemDetail{
				CartItemID:  it.ID,
				VariantID:   it.VariantID,
				ProductName: line.DisplayName(),
				Cause:       it.Visibility.Cause(),
			})
		}
		return nil
	})
	return out, err
}
