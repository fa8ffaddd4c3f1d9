package domain

// Translation is the locale-specific product text of a variant.
type Translation struct {
	Locale string `json:"locale"`
	Name   string `json:"name"`
	Slug   string `json:"slug,omitempty"`
}

// Price is a variant price in minor units of Currency.
type Price struct {
	Currency        string `json:"currency"`
	Amount          int64  `json:"amount"`
	CompareAtAmount *int64 `json:"compare_at_amount,omitempty"`
}

// LineItem is a cart item joined with catalog data for one locale and
// currency. Translation and Price are nil when the catalog has no match.
type LineItem struct {
	CartItemID  string       `json:"cart_item_id"`
	VariantID   string       `json:"variant_id"`
	ProductID   string       `json:"product_id"`
	SKU         string       `json:"sku"`
	ProductName string       `json:"product_name"`
	Quantity    int          `json:"quantity"`
	WhereAdded  string       `json:"where_added,omitempty"`
	Visibility  Visibility   `json:"-"`
	Translation *Translation `json:"translation,omitempty"`
	Price       *Price       `json:"price,omitempty"`
}

// MismatchCause returns the reason the line cannot be sold in its context.
// A missing price wins over a missing translation.
func (l *LineItem) MismatchCause() (Cause, bool) {
	switch {
	case l.Price == nil:
		return CauseCurrencyMismatch, true
	case l.Translation == nil:
		return CauseLocaleMismatch, true
	default:
		return "", false
	}
}

// DisplayName prefers the translated name over the base product name.
func (l *LineItem) DisplayName() string {
	if l.Translation != nil && l.Translation.Name != "" {
		return l.Translation.Name
	}
	return l.ProductName
}

// Summary holds cart totals in minor units of Currency.
type Summary struct {
	ItemCount      int    `json:"item_count"`
	ProductCount   int    `json:"product_count"`
	TotalAmount    int64  `json:"total_amount"`
	DiscountAmount int64  `json:"discount_amount"`
	Currency       string `json:"currency"`
}

// ZeroSummary is the empty totals shape handed to the calculator.
func ZeroSummary(currency string) Summary {
	return Summary{Currency: currency}
}

// FormattedCart is the read model returned by every cart operation.
type FormattedCart struct {
	Cart    *Cart      `json:"cart"`
	Items   []LineItem `json:"items"`
	Summary Summary    `json:"summary"`
}

// InvalidItemDetail describes an item hidden by a context change.
type InvalidItemDetail struct {
	CartItemID  string `json:"cart_item_id"`
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
	Cause       Cause  `json:"cause"`
}

// ItemToHide pairs an item with the mismatch that hides it.
type ItemToHide struct {
	CartItemID string
	Cause      Cause
}
