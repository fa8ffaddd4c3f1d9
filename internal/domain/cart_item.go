package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Cause explains why a hidden item is hidden.
type Cause string

const (
	CauseDeletedByUser    Cause = "DELETED_BY_USER"
	CauseCurrencyMismatch Cause = "CURRENCY_MISMATCH"
	CauseLocaleMismatch   Cause = "LOCALE_MISMATCH"
)

// Visibility is the state of a cart item. Every value maps to exactly one
// (is_visible, visible_cause) pair in storage, so a visible item can never
// carry a cause.
type Visibility uint8

const (
	Visible Visibility = iota
	HiddenByUser
	HiddenCurrencyMismatch
	HiddenLocaleMismatch
	// Absorbed items were merged into a same-variant item of another cart.
	Absorbed
)

var ErrInvalidVisibility = errors.New("invalid visibility")

var visibilityNames = [...]string{
	Visible:                "VISIBLE",
	HiddenByUser:           "HIDDEN_BY_USER",
	HiddenCurrencyMismatch: "HIDDEN_CURRENCY_MISMATCH",
	HiddenLocaleMismatch:   "HIDDEN_LOCALE_MISMATCH",
	Absorbed:               "ABSORBED",
}

func (v Visibility) String() string {
	if int(v) < len(visibilityNames) {
		return visibilityNames[v]
	}
	return fmt.Sprintf("Visibility(%d)", v)
}

func (v Visibility) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// IsVisible reports whether the item is shown in the cart.
func (v Visibility) IsVisible() bool {
	return v == Visible
}

// Cause returns the hidden cause, or "" for Visible and Absorbed.
func (v Visibility) Cause() Cause {
	switch v {
	case HiddenByUser:
		return CauseDeletedByUser
	case HiddenCurrencyMismatch:
		return CauseCurrencyMismatch
	case HiddenLocaleMismatch:
		return CauseLocaleMismatch
	default:
		return ""
	}
}

// Restorable reports whether a context change may make the item visible again.
func (v Visibility) Restorable() bool {
	return v == HiddenCurrencyMismatch || v == HiddenLocaleMismatch
}

// Columns returns the storage representation.
func (v Visibility) Columns() (isVisible bool, cause *string) {
	if v == Visible {
		return true, nil
	}
	if c := v.Cause(); c != "" {
		s := string(c)
		return false, &s
	}
	return false, nil
}

// VisibilityFromColumns is the inverse of Columns. A visible row with a cause
// is rejected.
func VisibilityFromColumns(isVisible bool, cause *string) (Visibility, error) {
	if isVisible {
		if cause != nil {
			return 0, fmt.Errorf("%w: visible row with cause %q", ErrInvalidVisibility, *cause)
		}
		return Visible, nil
	}
	if cause == nil {
		return Absorbed, nil
	}
	return VisibilityForCause(Cause(*cause))
}

// VisibilityForCause maps a hidden cause to its state.
func VisibilityForCause(c Cause) (Visibility, error) {
	switch c {
	case CauseDeletedByUser:
		return HiddenByUser, nil
	case CauseCurrencyMismatch:
		return HiddenCurrencyMismatch, nil
	case CauseLocaleMismatch:
		return HiddenLocaleMismatch, nil
	default:
		return 0, fmt.Errorf("%w: unknown cause %q", ErrInvalidVisibility, c)
	}
}

// CartItem is one line of a cart.
type CartItem struct {
	ID         string     `json:"id"`
	CartID     string     `json:"cart_id"`
	VariantID  string     `json:"variant_id"`
	Quantity   int        `json:"quantity"`
	Visibility Visibility `json:"visibility"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	WhereAdded string     `json:"where_added"`
	Version    int        `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewCartItem returns a visible item.
func NewCartItem(id, cartID, variantID string, quantity int, whereAdded string, now time.Time) *CartItem {
	return &CartItem{
		ID:         id,
		CartID:     cartID,
		VariantID:  variantID,
		Quantity:   quantity,
		Visibility: Visible,
		WhereAdded: whereAdded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsActive reports whether the item is visible and not soft-deleted.
func (i *CartItem) IsActive() bool {
	return i.Visibility == Visible && i.DeletedAt == nil
}

func (i *CartItem) hide(v Visibility, now time.Time) {
	i.Visibility = v
	i.DeletedAt = &now
	i.UpdatedAt = now
}

func (i *CartItem) show(now time.Time) {
	i.Visibility = Visible
	i.DeletedAt = nil
	i.UpdatedAt = now
}

// HideByUser records an explicit removal. The quantity is kept.
func (i *CartItem) HideByUser(now time.Time) {
	i.hide(HiddenByUser, now)
}

// HideForMismatch hides the item because the cart context no longer offers it.
func (i *CartItem) HideForMismatch(c Cause, now time.Time) error {
	v, err := VisibilityForCause(c)
	if err != nil {
		return err
	}
	if !v.Restorable() {
		return fmt.Errorf("%w: %s is not a context mismatch", ErrInvalidVisibility, c)
	}
	i.hide(v, now)
	return nil
}

// Restore makes a mismatch-hidden item visible again with its quantity intact.
func (i *CartItem) Restore(now time.Time) error {
	if !i.Visibility.Restorable() {
		return fmt.Errorf("%w: cannot restore %s item", ErrInvalidVisibility, i.Visibility)
	}
	i.show(now)
	return nil
}

// Absorb marks the item as merged into another cart's item.
func (i *CartItem) Absorb(now time.Time) {
	i.hide(Absorbed, now)
}

// AddQuantity handles a repeated add: the quantity grows by n whatever the
// current state, the item becomes visible and takes the new provenance.
func (i *CartItem) AddQuantity(n int, whereAdded string, now time.Time) {
	i.Quantity += n
	i.WhereAdded = whereAdded
	i.show(now)
}

// MergeQuantity folds a source item's quantity into this target item. A live
// target sums both quantities; a hidden one is overwritten by the source.
func (i *CartItem) MergeQuantity(source int, now time.Time) {
	if i.IsActive() {
		i.Quantity += source
	} else {
		i.Quantity = source
	}
	i.show(now)
}

// Increase adds delta to a visible item.
func (i *CartItem) Increase(delta int, now time.Time) {
	i.Quantity += delta
	i.UpdatedAt = now
}

// Decrease subtracts delta. Reaching zero or below hides the item as a user
// removal with quantity pinned to 0.
func (i *CartItem) Decrease(delta int, now time.Time) {
	i.Quantity -= delta
	if i.Quantity <= 0 {
		i.Quantity = 0
		i.hide(HiddenByUser, now)
		return
	}
	i.UpdatedAt = now
}
