package domain

import "time"

// CartStatus is the lifecycle state of a cart.
type CartStatus string

const (
	// CartStatusActive carts can be resolved and mutated.
	CartStatusActive CartStatus = "ACTIVE"
	// CartStatusMerged carts were absorbed into another cart. Terminal.
	CartStatusMerged CartStatus = "MERGED"
)

// Cart is the header row of a shopping cart. Items are loaded separately.
type Cart struct {
	ID        string     `json:"id"`
	UserID    *string    `json:"user_id"`
	Status    CartStatus `json:"status"`
	Locale    string     `json:"locale"`
	Currency  string     `json:"currency"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewCart returns an ACTIVE cart. A nil userID creates a guest cart.
func NewCart(id string, userID *string, locale, currency string, now time.Time) *Cart {
	return &Cart{
		ID:        id,
		UserID:    userID,
		Status:    CartStatusActive,
		Locale:    locale,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsGuest reports whether no user owns the cart.
func (c *Cart) IsGuest() bool {
	return c.UserID == nil
}

// IsActive reports whether the cart can still be resolved.
func (c *Cart) IsActive() bool {
	return c.Status == CartStatusActive
}

// OwnedBy reports whether userID owns the cart.
func (c *Cart) OwnedBy(userID string) bool {
	return c.UserID != nil && *c.UserID == userID
}

// IsAdoptableGuest reports whether the cart is an ACTIVE guest cart that a
// signed-in user may take over.
func (c *Cart) IsAdoptableGuest() bool {
	return c.IsGuest() && c.IsActive()
}

// HasContext reports whether the cart is already in the given locale and currency.
func (c *Cart) HasContext(locale, currency string) bool {
	return c.Locale == locale && c.Currency == currency
}
