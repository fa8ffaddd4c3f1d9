package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/utafrali/storecart/pkg/errors"
	"github.com/utafrali/storecart/pkg/httputil"
	"github.com/utafrali/storecart/pkg/validator"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/service"
)

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	service *service.CartService
	cookie  CookieConfig
	logger  *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(svc *service.CartService, cookie CookieConfig, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		service: svc,
		cookie:  cookie,
		logger:  logger,
	}
}

// --- Request DTOs ---

// AddItemRequest is the JSON request body for adding an item to the cart.
type AddItemRequest struct {
	VariantID  string `json:"variant_id" validate:"required,uuid"`
	Quantity   int    `json:"quantity" validate:"required,gte=1,lte=100"`
	WhereAdded string `json:"where_added" validate:"max=64"`
}

// QuantityRequest is the JSON request body for increasing or decreasing an item.
type QuantityRequest struct {
	Quantity int `json:"quantity" validate:"required,gte=1,lte=100"`
}

// UpdateContextRequest is the JSON request body for switching locale and currency.
type UpdateContextRequest struct {
	Locale   string `json:"locale" validate:"required,bcp47_language_tag"`
	Currency string `json:"currency" validate:"required,iso4217"`
}

// MergeRequest is the optional JSON request body for merging a guest cart.
// Without a guest_cart_id the cart cookie is used.
type MergeRequest struct {
	GuestCartID string `json:"guest_cart_id" validate:"omitempty,uuid"`
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	view, err := h.service.GetCart(r.Context(), sess)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess := sessionFromContext(r.Context())
	view, err := h.service.AddItem(r.Context(), sess, service.AddItemInput{
		VariantID:  req.VariantID,
		Quantity:   req.Quantity,
		WhereAdded: req.WhereAdded,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// RemoveItem handles DELETE /api/v1/cart/items/{variantId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	view, err := h.service.RemoveItem(r.Context(), sess, chi.URLParam(r, "variantId"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// IncreaseQuantity handles POST /api/v1/cart/items/{variantId}/increase
func (h *CartHandler) IncreaseQuantity(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, h.service.IncreaseQuantity)
}

// DecreaseQuantity handles POST /api/v1/cart/items/{variantId}/decrease
func (h *CartHandler) DecreaseQuantity(w http.ResponseWriter, r *http.Request) {
	h.changeQuantity(w, r, h.service.DecreaseQuantity)
}

type quantityChange func(ctx context.Context, sess service.Session, variantID string, delta int) (*domain.FormattedCart, error)

func (h *CartHandler) changeQuantity(w http.ResponseWriter, r *http.Request, change quantityChange) {
	var req QuantityRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess := sessionFromContext(r.Context())
	view, err := change(r.Context(), sess, chi.URLParam(r, "variantId"), req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())

	view, err := h.service.ClearCart(r.Context(), sess)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// UpdateContext handles PUT /api/v1/cart/context
func (h *CartHandler) UpdateContext(w http.ResponseWriter, r *http.Request) {
	var req UpdateContextRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess := sessionFromContext(r.Context())
	result, err := h.service.UpdateCartContext(r.Context(), sess, req.Locale, req.Currency)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.setCookie(w, sess, result.Cart.Cart.ID)
	httputil.WriteData(w, http.StatusOK, result)
}

// Merge handles POST /api/v1/cart/merge. It is called by the auth flow right
// after sign-in and requires an authenticated user.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if sess.UserID == nil {
		httputil.WriteError(w, r, apperrors.Unauthorized("authentication required"), h.logger)
		return
	}

	var req MergeRequest
	if r.ContentLength != 0 {
		if err := validator.DecodeAndValidate(r, &req); err != nil {
			httputil.WriteValidationError(w, err)
			return
		}
	}
	guestCartID := req.GuestCartID
	if guestCartID == "" {
		guestCartID = sess.CartID
	}

	cart, err := h.service.MergeGuestCartToUser(r.Context(), *sess.UserID, guestCartID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	view, err := h.service.GetFormattedCart(r.Context(), cart.ID, cart.Locale, cart.Currency)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeCart(w, sess, view)
}

// --- Helpers ---

func (h *CartHandler) writeCart(w http.ResponseWriter, sess service.Session, view *domain.FormattedCart) {
	h.setCookie(w, sess, view.Cart.ID)
	httputil.WriteData(w, http.StatusOK, view)
}

// setCookie re-issues the cart cookie when the resolved cart differs from the
// one the client sent.
func (h *CartHandler) setCookie(w http.ResponseWriter, sess service.Session, cartID string) {
	if cartID == "" || cartID == sess.CartID {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    cartID,
		Path:     "/",
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
