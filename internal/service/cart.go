package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/storecart/pkg/errors"
	"github.com/utafrali/storecart/pkg/logger"
	"github.com/utafrali/storecart/pkg/validator"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/event"
	"github.com/utafrali/storecart/internal/pricing"
	"github.com/utafrali/storecart/internal/repository"
)

// Cart operation upper-bound limits to prevent abuse.
const (
	// MaxQuantityPerItem is the maximum quantity allowed for a single cart item.
	MaxQuantityPerItem = 100
	// MaxWhereAddedLength bounds the provenance tag.
	MaxWhereAddedLength = 64
)

// Item mutation actions carried on cart.updated events.
const (
	ActionAddItem          = "add_item"
	ActionRemoveItem       = "remove_item"
	ActionIncreaseQuantity = "increase_quantity"
	ActionDecreaseQuantity = "decrease_quantity"
	ActionClearCart        = "clear_cart"
)

var errConcurrentUpdate = apperrors.Conflict("cart was modified concurrently, please retry")

// errSourceGone aborts a merge whose source cart stopped being an active
// guest cart before the transaction started.
var errSourceGone = errors.New("source cart is no longer an active guest cart")

// Session identifies the caller: an optional user and the cart cookie value.
type Session struct {
	UserID *string
	CartID string
}

// AddItemInput holds the parameters for adding an item to the cart.
type AddItemInput struct {
	VariantID  string `json:"variant_id" validate:"required,uuid"`
	Quantity   int    `json:"quantity" validate:"required,gte=1,lte=100"`
	WhereAdded string `json:"where_added" validate:"max=64"`
}

// ContextChangeResult is returned by UpdateCartContext.
type ContextChangeResult struct {
	Cart           *domain.FormattedCart      `json:"cart"`
	InvalidItems   []domain.InvalidItemDetail `json:"invalid_items"`
	RestoredItems  []string                   `json:"restored_items"`
	ContextChanged bool                       `json:"context_changed"`
}

// EventPublisher publishes cart domain events. Failures are logged by the
// service and never fail the request.
type EventPublisher interface {
	PublishCartUpdated(ctx context.Context, action, variantID string, view *domain.FormattedCart) error
	PublishCartMerged(ctx context.Context, userID, targetCartID, sourceCartID string, adopted bool) error
	PublishCartContextChanged(ctx context.Context, data event.CartContextChangedData) error
}

// Option configures optional CartService collaborators.
type Option func(*CartService)

// WithViewCache caches formatted carts.
func WithViewCache(c repository.ViewCache) Option {
	return func(s *CartService) { s.cache = c }
}

// WithContextLock serializes context switches per cart.
func WithContextLock(l repository.ContextLocker) Option {
	return func(s *CartService) { s.locker = l }
}

// WithEvents publishes domain events after state changes.
func WithEvents(p EventPublisher) Option {
	return func(s *CartService) { s.events = p }
}

// WithDefaultContext sets the locale and currency of newly created carts.
func WithDefaultContext(locale, currency string) Option {
	return func(s *CartService) {
		s.defaultLocale = locale
		s.defaultCurrency = currency
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *CartService) { s.now = now }
}

// CartService resolves which cart a visitor owns, merges guest carts into
// user carts and applies item mutations.
type CartService struct {
	store           repository.Store
	validation      *ValidationService
	calculator      pricing.Calculator
	cache           repository.ViewCache
	locker          repository.ContextLocker
	events          EventPublisher
	logger          *slog.Logger
	defaultLocale   string
	defaultCurrency string
	now             func() time.Time
}

// NewCartService creates a new cart service.
func NewCartService(store repository.Store, validation *ValidationService, calculator pricing.Calculator, logger *slog.Logger, opts ...Option) *CartService {
	s := &CartService{
		store:           store,
		validation:      validation,
		calculator:      calculator,
		logger:          logger,
		defaultLocale:   "en",
		defaultCurrency: "USD",
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ---------------------------------------------------------------------------
// Resolution & merge
// ---------------------------------------------------------------------------

// ResolveCart returns the cart for the caller, creating, adopting or merging
// carts as needed. It never returns a MERGED cart and never leaves a user
// with two ACTIVE carts.
func (s *CartService) ResolveCart(ctx context.Context, userID *string, cookieCartID string) (*domain.Cart, error) {
	cookieCartID = normalizeCartID(cookieCartID)

	if userID != nil && *userID != "" {
		if err := validateUserID(*userID); err != nil {
			return nil, err
		}
		return s.resolveUserCart(ctx, *userID, cookieCartID)
	}

	if cookieCartID != "" {
		cart, err := s.findCart(ctx, s.store, cookieCartID)
		if err != nil {
			return nil, err
		}
		if cart != nil && cart.IsAdoptableGuest() {
			return cart, nil
		}
	}
	return s.createCart(ctx, nil)
}

func (s *CartService) resolveUserCart(ctx context.Context, userID, cookieCartID string) (*domain.Cart, error) {
	userCart, err := s.findActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cookieCartID != "" && (userCart == nil || userCart.ID != cookieCartID) {
		guest, err := s.findCart(ctx, s.store, cookieCartID)
		if err != nil {
			return nil, err
		}
		if guest != nil && guest.IsAdoptableGuest() {
			if userCart == nil {
				return s.adoptOrGetUserCart(ctx, userID, guest)
			}
			n, err := s.store.Items().CountActive(ctx, guest.ID)
			if err != nil {
				return nil, fmt.Errorf("count guest cart items: %w", err)
			}
			if n > 0 {
				if err := s.mergeAndNotify(ctx, userID, userCart.ID, guest); err != nil {
					return nil, err
				}
			}
		}
	}

	if userCart != nil {
		return userCart, nil
	}
	return s.createCart(ctx, &userID)
}

// MergeGuestCartToUser hands a guest cart to a user at sign-in. Missing,
// merged or already owned guest carts fall back to the user's own cart, so
// stale and repeated calls succeed.
func (s *CartService) MergeGuestCartToUser(ctx context.Context, userID, guestCartID string) (*domain.Cart, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	var guest *domain.Cart
	if id := normalizeCartID(guestCartID); id != "" {
		var err error
		if guest, err = s.findCart(ctx, s.store, id); err != nil {
			return nil, err
		}
	}
	if guest == nil || !guest.IsAdoptableGuest() {
		return s.getOrCreateUserCart(ctx, userID)
	}

	userCart, err := s.findActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userCart == nil {
		return s.adoptOrGetUserCart(ctx, userID, guest)
	}

	if err := s.mergeAndNotify(ctx, userID, userCart.ID, guest); err != nil {
		return nil, err
	}
	return s.reload(ctx, userCart.ID)
}

func (s *CartService) mergeAndNotify(ctx context.Context, userID, targetCartID string, guest *domain.Cart) error {
	err := s.mergeCarts(ctx, targetCartID, guest)
	if errors.Is(err, errSourceGone) {
		return nil
	}
	if err != nil {
		return err
	}

	cartMergesTotal.WithLabelValues("merge").Inc()
	s.invalidate(ctx, targetCartID, guest.ID)

	if s.events != nil {
		if err := s.events.PublishCartMerged(ctx, userID, targetCartID, guest.ID, false); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cart.merged event",
				slog.String("cart_id", targetCartID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "guest cart merged into user cart",
		slog.String("user_id", userID),
		slog.String("cart_id", targetCartID),
		slog.String("guest_cart_id", guest.ID),
	)
	return nil
}

// mergeCarts moves the active items of source into the target cart and marks
// source MERGED, all in one transaction. Items whose variant already has a
// row in the target are folded into it; the others are reparented.
func (s *CartService) mergeCarts(ctx context.Context, targetCartID string, source *domain.Cart) error {
	now := s.now()

	err := s.store.InTx(ctx, func(tx repository.Store) error {
		current, err := tx.Carts().GetByID(ctx, source.ID)
		if err != nil {
			return fmt.Errorf("reload source cart: %w", err)
		}
		if !current.IsAdoptableGuest() {
			return errSourceGone
		}

		items, err := tx.Items().ListActive(ctx, source.ID)
		if err != nil {
			return fmt.Errorf("list source cart items: %w", err)
		}

		for _, src := range items {
			target, err := tx.Items().FindByVariant(ctx, targetCartID, src.VariantID)
			if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("find target item: %w", err)
			}

			if target == nil {
				src.CartID = targetCartID
				src.UpdatedAt = now
				if err := s.saveItem(ctx, tx, src); err != nil {
					return err
				}
				continue
			}

			target.MergeQuantity(src.Quantity, now)
			if err := s.saveItem(ctx, tx, target); err != nil {
				return err
			}
			src.Absorb(now)
			if err := s.saveItem(ctx, tx, src); err != nil {
				return err
			}
		}

		if err := tx.Carts().MarkMerged(ctx, source.ID, now); err != nil {
			return fmt.Errorf("mark cart merged: %w", err)
		}
		if err := tx.Carts().Touch(ctx, targetCartID, now); err != nil {
			return fmt.Errorf("touch target cart: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errSourceGone) {
			return err
		}
		return fmt.Errorf("merge carts: %w", err)
	}
	return nil
}

func (s *CartService) saveItem(ctx context.Context, store repository.Store, item *domain.CartItem) error {
	ok, err := store.Items().UpdateIfVersion(ctx, item)
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return errConcurrentUpdate
		}
		return fmt.Errorf("save cart item: %w", err)
	}
	if !ok {
		return errConcurrentUpdate
	}
	return nil
}

func (s *CartService) adoptOrGetUserCart(ctx context.Context, userID string, guest *domain.Cart) (*domain.Cart, error) {
	ok, err := s.store.Carts().AssignUser(ctx, guest.ID, userID, s.now())
	if err != nil && !errors.Is(err, apperrors.ErrAlreadyExists) {
		return nil, fmt.Errorf("adopt guest cart: %w", err)
	}
	if err != nil || !ok {
		// Lost a race: the guest cart changed hands or the user got a cart.
		return s.getOrCreateUserCart(ctx, userID)
	}

	cartMergesTotal.WithLabelValues("adopt").Inc()
	s.invalidate(ctx, guest.ID)

	if s.events != nil {
		if err := s.events.PublishCartMerged(ctx, userID, guest.ID, guest.ID, true); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cart.merged event",
				slog.String("cart_id", guest.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "guest cart adopted by user",
		slog.String("user_id", userID),
		slog.String("cart_id", guest.ID),
	)
	return s.reload(ctx, guest.ID)
}

func (s *CartService) getOrCreateUserCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.findActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart != nil {
		return cart, nil
	}
	return s.createCart(ctx, &userID)
}

func (s *CartService) createCart(ctx context.Context, userID *string) (*domain.Cart, error) {
	cart := domain.NewCart(uuid.NewString(), userID, s.defaultLocale, s.defaultCurrency, s.now())

	err := s.store.Carts().Create(ctx, cart)
	if err == nil {
		s.logger.InfoContext(ctx, "cart created",
			slog.String("cart_id", cart.ID),
			slog.Bool("guest", cart.IsGuest()),
		)
		return cart, nil
	}
	if userID == nil || !errors.Is(err, apperrors.ErrAlreadyExists) {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	// Another request created the user's cart first.
	existing, ferr := s.findActiveCart(ctx, *userID)
	if ferr != nil {
		return nil, ferr
	}
	if existing == nil {
		s.logger.ErrorContext(ctx, "active cart uniqueness violated but no active cart found",
			slog.String("user_id", *userID),
		)
		return nil, apperrors.Internal(err)
	}
	return existing, nil
}

func (s *CartService) findCart(ctx context.Context, store repository.Store, id string) (*domain.Cart, error) {
	cart, err := store.Carts().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return cart, nil
}

func (s *CartService) findActiveCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.store.Carts().GetActiveByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active cart: %w", err)
	}
	return cart, nil
}

func (s *CartService) reload(ctx context.Context, cartID string) (*domain.Cart, error) {
	cart, err := s.store.Carts().GetByID(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("reload cart: %w", err)
	}
	return cart, nil
}

// normalizeCartID drops cookie values that cannot be cart ids.
func normalizeCartID(id string) string {
	if id == "" {
		return ""
	}
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}

// validateUserID rejects user ids the carts table cannot store.
func validateUserID(userID string) error {
	if userID == "" {
		return apperrors.InvalidInput("user id is required")
	}
	if _, err := uuid.Parse(userID); err != nil {
		return apperrors.InvalidInput("user id must be a valid UUID")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Item mutations
// ---------------------------------------------------------------------------

func validateVariantID(variantID string) error {
	if variantID == "" {
		return apperrors.InvalidInput("variant id is required")
	}
	if _, err := uuid.Parse(variantID); err != nil {
		return apperrors.InvalidInput("variant id must be a valid UUID")
	}
	return nil
}

func validateDelta(delta int) error {
	if delta <= 0 {
		return apperrors.InvalidInput("quantity must be greater than 0")
	}
	if delta > MaxQuantityPerItem {
		return apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}
	return nil
}

// AddItem adds quantity of a variant. An existing row for the variant, hidden
// or not, is incremented and made visible again.
func (s *CartService) AddItem(ctx context.Context, sess Session, input AddItemInput) (*domain.FormattedCart, error) {
	if err := validateVariantID(input.VariantID); err != nil {
		return nil, err
	}
	if err := validateDelta(input.Quantity); err != nil {
		return nil, err
	}
	if len(input.WhereAdded) > MaxWhereAddedLength {
		return nil, apperrors.InvalidInput(fmt.Sprintf("where_added must not exceed %d characters", MaxWhereAddedLength))
	}

	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}

	// The limit covers the quantity a hidden row keeps, since adding revives it.
	now := s.now()
	item := domain.NewCartItem(uuid.NewString(), cart.ID, input.VariantID, input.Quantity, input.WhereAdded, now)
	stored, err := s.store.Items().UpsertAdd(ctx, item, MaxQuantityPerItem)
	if errors.Is(err, repository.ErrQuantityLimit) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("combined quantity must not exceed %d", MaxQuantityPerItem))
	}
	if err != nil {
		return nil, fmt.Errorf("add cart item: %w", err)
	}

	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("cart_id", cart.ID),
		slog.String("variant_id", input.VariantID),
		slog.Int("quantity", stored.Quantity),
	)
	return s.afterMutation(ctx, cart, ActionAddItem, input.VariantID)
}

// RemoveItem hides every visible row of the variant. Removing an absent
// variant succeeds without changes.
func (s *CartService) RemoveItem(ctx context.Context, sess Session, variantID string) (*domain.FormattedCart, error) {
	if err := validateVariantID(variantID); err != nil {
		return nil, err
	}

	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.Items().HideVisibleByVariant(ctx, cart.ID, variantID, s.now())
	if err != nil {
		return nil, fmt.Errorf("remove cart item: %w", err)
	}

	s.logger.InfoContext(ctx, "item removed from cart",
		slog.String("cart_id", cart.ID),
		slog.String("variant_id", variantID),
		slog.Int64("rows", n),
	)
	return s.afterMutation(ctx, cart, ActionRemoveItem, variantID)
}

// IncreaseQuantity adds delta to a visible item.
func (s *CartService) IncreaseQuantity(ctx context.Context, sess Session, variantID string, delta int) (*domain.FormattedCart, error) {
	return s.changeQuantity(ctx, sess, variantID, delta, ActionIncreaseQuantity)
}

// DecreaseQuantity subtracts delta from a visible item. Reaching zero hides
// the item as a user removal.
func (s *CartService) DecreaseQuantity(ctx context.Context, sess Session, variantID string, delta int) (*domain.FormattedCart, error) {
	return s.changeQuantity(ctx, sess, variantID, delta, ActionDecreaseQuantity)
}

func (s *CartService) changeQuantity(ctx context.Context, sess Session, variantID string, delta int, action string) (*domain.FormattedCart, error) {
	if err := validateVariantID(variantID); err != nil {
		return nil, err
	}
	if err := validateDelta(delta); err != nil {
		return nil, err
	}

	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}

	item, err := s.store.Items().FindByVariant(ctx, cart.ID, variantID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("find cart item: %w", err)
	}
	if item == nil || !item.IsActive() {
		return nil, apperrors.ItemNotInCart(variantID)
	}

	now := s.now()
	if action == ActionIncreaseQuantity {
		if item.Quantity+delta > MaxQuantityPerItem {
			return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
		}
		item.Increase(delta, now)
	} else {
		item.Decrease(delta, now)
	}

	if err := s.saveItem(ctx, s.store, item); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "cart item quantity updated",
		slog.String("cart_id", cart.ID),
		slog.String("variant_id", variantID),
		slog.String("action", action),
		slog.Int("quantity", item.Quantity),
	)
	return s.afterMutation(ctx, cart, action, variantID)
}

// ClearCart hides every visible item. Clearing an empty cart succeeds.
func (s *CartService) ClearCart(ctx context.Context, sess Session) (*domain.FormattedCart, error) {
	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}

	n, err := s.store.Items().HideAllVisible(ctx, cart.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	s.logger.InfoContext(ctx, "cart cleared",
		slog.String("cart_id", cart.ID),
		slog.Int64("rows", n),
	)
	return s.afterMutation(ctx, cart, ActionClearCart, "")
}

func (s *CartService) afterMutation(ctx context.Context, cart *domain.Cart, action, variantID string) (*domain.FormattedCart, error) {
	if err := s.store.Carts().Touch(ctx, cart.ID, s.now()); err != nil {
		return nil, fmt.Errorf("touch cart: %w", err)
	}
	s.invalidate(ctx, cart.ID)
	cartItemMutationsTotal.WithLabelValues(action).Inc()

	view, err := s.GetFormattedCart(ctx, cart.ID, cart.Locale, cart.Currency)
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		if err := s.events.PublishCartUpdated(ctx, action, variantID, view); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cart.updated event",
				slog.String("cart_id", cart.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return view, nil
}

// ---------------------------------------------------------------------------
// Read path
// ---------------------------------------------------------------------------

// GetCart resolves the caller's cart and returns it formatted.
func (s *CartService) GetCart(ctx context.Context, sess Session) (*domain.FormattedCart, error) {
	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}
	return s.GetFormattedCart(ctx, cart.ID, cart.Locale, cart.Currency)
}

// GetFormattedCart loads the visible items of a cart with catalog data for
// locale and currency and computes totals. It never writes to the store.
func (s *CartService) GetFormattedCart(ctx context.Context, cartID, locale, currency string) (*domain.FormattedCart, error) {
	if s.cache != nil {
		view, err := s.cache.Get(ctx, cartID, locale, currency)
		switch {
		case err != nil:
			cartViewCacheTotal.WithLabelValues("error").Inc()
			s.logger.WarnContext(ctx, "cart view cache read failed",
				slog.String("cart_id", cartID),
				slog.String("error", err.Error()),
			)
		case view != nil:
			cartViewCacheTotal.WithLabelValues("hit").Inc()
			return view, nil
		default:
			cartViewCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	cart, err := s.store.Carts().GetByID(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	lines, err := s.store.Catalog().ListActiveLines(ctx, cartID, locale, currency)
	if err != nil {
		return nil, fmt.Errorf("load cart lines: %w", err)
	}
	if lines == nil {
		lines = []domain.LineItem{}
	}

	summary, err := s.calculator.Recalculate(ctx, domain.ZeroSummary(currency), lines)
	if err != nil {
		return nil, fmt.Errorf("recalculate cart totals: %w", err)
	}

	view := &domain.FormattedCart{Cart: cart, Items: lines, Summary: summary}
	if s.cache != nil && cart.HasContext(locale, currency) {
		if err := s.cache.Set(ctx, view); err != nil {
			s.logger.WarnContext(ctx, "cart view cache write failed",
				slog.String("cart_id", cartID),
				slog.String("error", err.Error()),
			)
		}
	}
	return view, nil
}

func (s *CartService) invalidate(ctx context.Context, cartIDs ...string) {
	if s.cache == nil {
		return
	}
	for _, id := range cartIDs {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "cart view cache invalidation failed",
				slog.String("cart_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ---------------------------------------------------------------------------
// Context change
// ---------------------------------------------------------------------------

// UpdateCartContext switches the cart to a new locale and currency. Items the
// new context cannot sell are hidden and previously hidden items that became
// sellable are restored; both are reported as data. An unchanged context
// returns the cart without any writes.
func (s *CartService) UpdateCartContext(ctx context.Context, sess Session, locale, currency string) (*ContextChangeResult, error) {
	if err := validator.Var(locale, "required,bcp47_language_tag"); err != nil {
		return nil, apperrors.InvalidInput("locale must be a valid BCP 47 language tag")
	}
	if err := validator.Var(currency, "required,iso4217"); err != nil {
		return nil, apperrors.InvalidInput("currency must be a valid ISO 4217 code")
	}

	cart, err := s.ResolveCart(ctx, sess.UserID, sess.CartID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithCartID(ctx, cart.ID)

	if cart.HasContext(locale, currency) {
		view, err := s.GetFormattedCart(ctx, cart.ID, locale, currency)
		if err != nil {
			return nil, err
		}
		cartContextChangesTotal.WithLabelValues("unchanged").Inc()
		return &ContextChangeResult{
			Cart:          view,
			InvalidItems:  []domain.InvalidItemDetail{},
			RestoredItems: []string{},
		}, nil
	}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, cart.ID)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "context lock unavailable, proceeding without it",
				slog.String("cart_id", cart.ID),
				slog.String("error", err.Error()),
			)
		case !ok:
			cartContextChangesTotal.WithLabelValues("locked").Inc()
			return nil, apperrors.Conflict("a context change for this cart is already in progress")
		default:
			defer func() {
				if err := s.locker.Unlock(context.WithoutCancel(ctx), cart.ID, token); err != nil {
					s.logger.WarnContext(ctx, "failed to release context lock",
						slog.String("cart_id", cart.ID),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}

	var outcome *RevalidationOutcome
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		if outcome, err = s.validation.revalidate(ctx, tx, cart.ID, locale, currency); err != nil {
			return err
		}
		if err := tx.Carts().UpdateContext(ctx, cart.ID, locale, currency, s.now()); err != nil {
			return fmt.Errorf("update cart context: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome, err = s.validation.withDetails(ctx, outcome, locale); err != nil {
		return nil, err
	}

	s.invalidate(ctx, cart.ID)
	view, err := s.GetFormattedCart(ctx, cart.ID, locale, currency)
	if err != nil {
		return nil, err
	}
	cartContextChangesTotal.WithLabelValues("changed").Inc()

	if s.events != nil {
		hidden := make([]string, 0, len(outcome.InvalidItems))
		for _, it := range outcome.InvalidItems {
			hidden = append(hidden, it.CartItemID)
		}
		err := s.events.PublishCartContextChanged(ctx, event.CartContextChangedData{
			CartID:           cart.ID,
			PreviousLocale:   cart.Locale,
			PreviousCurrency: cart.Currency,
			Locale:           locale,
			Currency:         currency,
			HiddenItemIDs:    hidden,
			RestoredItemIDs:  outcome.RestoredItemIDs,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cart.context_changed event",
				slog.String("cart_id", cart.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "cart context changed",
		slog.String("cart_id", cart.ID),
		slog.String("locale", locale),
		slog.String("currency", currency),
		slog.Int("hidden", len(outcome.InvalidItems)),
		slog.Int("restored", len(outcome.RestoredItemIDs)),
	)

	return &ContextChangeResult{
		Cart:           view,
		InvalidItems:   outcome.InvalidItems,
		RestoredItems:  outcome.RestoredItemIDs,
		ContextChanged: true,
	}, nil
}
