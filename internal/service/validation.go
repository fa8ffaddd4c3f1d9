package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/utafrali/storecart/pkg/errors"

	"github.com/utafrali/storecart/internal/domain"
	"github.com/utafrali/storecart/internal/repository"
)

// ValidationResult lists the visible items that cannot be sold in a context.
type ValidationResult struct {
	ItemsToHide []domain.ItemToHide
	ValidCount  int
}

// RestoreResult lists the items a context change made visible again.
type RestoreResult struct {
	RestoredCount   int
	RestoredItemIDs []string
}

// RevalidationOutcome is the combined result of a context revalidation.
type RevalidationOutcome struct {
	RestoredItemIDs []string
	InvalidItems    []domain.InvalidItemDetail
	ValidCount      int
}

// ValidationService decides which cart items are purchasable in a locale and
// currency and moves them between visible and mismatch-hidden.
type ValidationService struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

// ValidationOption configures a ValidationService.
type ValidationOption func(*ValidationService)

// WithValidationClock replaces the time source used for hide and restore
// timestamps.
func WithValidationClock(now func() time.Time) ValidationOption {
	return func(s *ValidationService) { s.now = now }
}

// NewValidationService creates a new validation service.
func NewValidationService(store repository.Store, logger *slog.Logger, opts ...ValidationOption) *ValidationService {
	s := &ValidationService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateCartItems checks every visible item against the price list for
// currency and the translations for locale. A missing price is reported
// before a missing translation.
func (s *ValidationService) ValidateCartItems(ctx context.Context, cartID, locale, currency string) (*ValidationResult, error) {
	return s.validate(ctx, s.store, cartID, locale, currency)
}

func (s *ValidationService) validate(ctx context.Context, store repository.Store, cartID, locale, currency string) (*ValidationResult, error) {
	lines, err := store.Catalog().ListActiveLines(ctx, cartID, locale, currency)
	if err != nil {
		return nil, fmt.Errorf("load cart lines: %w", err)
	}

	result := &ValidationResult{ItemsToHide: []domain.ItemToHide{}}
	for _, l := range lines {
		if cause, bad := l.MismatchCause(); bad {
			result.ItemsToHide = append(result.ItemsToHide, domain.ItemToHide{CartItemID: l.CartItemID, Cause: cause})
			continue
		}
		result.ValidCount++
	}
	return result, nil
}

// RestoreEligibleItems makes visible again every mismatch-hidden item that has
// both a price and a translation in the new context. Items removed by the
// user are never touched.
func (s *ValidationService) RestoreEligibleItems(ctx context.Context, cartID, locale, currency string) (*RestoreResult, error) {
	return s.restore(ctx, s.store, cartID, locale, currency)
}

func (s *ValidationService) restore(ctx context.Context, store repository.Store, cartID, locale, currency string) (*RestoreResult, error) {
	lines, err := store.Catalog().ListRestorableLines(ctx, cartID, locale, currency)
	if err != nil {
		return nil, fmt.Errorf("load hidden cart lines: %w", err)
	}

	ids := []string{}
	for _, l := range lines {
		if _, bad := l.MismatchCause(); !bad {
			ids = append(ids, l.CartItemID)
		}
	}
	if len(ids) == 0 {
		return &RestoreResult{RestoredItemIDs: ids}, nil
	}

	n, err := store.Items().RestoreByIDs(ctx, ids, s.now())
	if err != nil {
		return nil, fmt.Errorf("restore cart items: %w", err)
	}
	cartItemsRestoredTotal.Add(float64(n))

	return &RestoreResult{RestoredCount: int(n), RestoredItemIDs: ids}, nil
}

// HideInvalidItems hides the given items with one batch update per cause,
// all in one transaction. An empty list does nothing.
func (s *ValidationService) HideInvalidItems(ctx context.Context, items []domain.ItemToHide) error {
	return s.hide(ctx, s.store, items)
}

func (s *ValidationService) hide(ctx context.Context, store repository.Store, items []domain.ItemToHide) error {
	if len(items) == 0 {
		return nil
	}

	byCause := map[domain.Cause][]string{}
	for _, it := range items {
		v, err := domain.VisibilityForCause(it.Cause)
		if err != nil || !v.Restorable() {
			return apperrors.InvalidInput(fmt.Sprintf("cannot hide item %s for cause %q", it.CartItemID, it.Cause))
		}
		byCause[it.Cause] = append(byCause[it.Cause], it.CartItemID)
	}

	now := s.now()
	err := store.InTx(ctx, func(tx repository.Store) error {
		for _, cause := range []domain.Cause{domain.CauseCurrencyMismatch, domain.CauseLocaleMismatch} {
			ids := byCause[cause]
			if len(ids) == 0 {
				continue
			}
			n, err := tx.Items().HideByIDs(ctx, ids, cause, now)
			if err != nil {
				return fmt.Errorf("hide %s items: %w", cause, err)
			}
			cartItemsHiddenTotal.WithLabelValues(string(cause)).Add(float64(n))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "cart items hidden for context mismatch",
		slog.Int("currency_mismatch", len(byCause[domain.CauseCurrencyMismatch])),
		slog.Int("locale_mismatch", len(byCause[domain.CauseLocaleMismatch])),
	)
	return nil
}

// GetInvalidItemsDetails returns display data for hidden items. The product
// name falls back to the untranslated name when locale has no translation.
func (s *ValidationService) GetInvalidItemsDetails(ctx context.Context, ids []string, locale string) ([]domain.InvalidItemDetail, error) {
	if len(ids) == 0 {
		return []domain.InvalidItemDetail{}, nil
	}
	details, err := s.store.Catalog().InvalidItemDetails(ctx, ids, locale)
	if err != nil {
		return nil, fmt.Errorf("load invalid item details: %w", err)
	}
	if details == nil {
		details = []domain.InvalidItemDetail{}
	}
	return details, nil
}

// Revalidate runs restore, then validate, then hide as one unit of work so an
// item restored in this pass is judged against the new context only.
func (s *ValidationService) Revalidate(ctx context.Context, cartID, locale, currency string) (*RevalidationOutcome, error) {
	var outcome *RevalidationOutcome
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		var err error
		outcome, err = s.revalidate(ctx, tx, cartID, locale, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.withDetails(ctx, outcome, locale)
}

// revalidate leaves InvalidItems holding bare ids; withDetails fills them in
// once the unit of work has committed.
func (s *ValidationService) revalidate(ctx context.Context, tx repository.Store, cartID, locale, currency string) (*RevalidationOutcome, error) {
	restored, err := s.restore(ctx, tx, cartID, locale, currency)
	if err != nil {
		return nil, err
	}
	validation, err := s.validate(ctx, tx, cartID, locale, currency)
	if err != nil {
		return nil, err
	}
	if err := s.hide(ctx, tx, validation.ItemsToHide); err != nil {
		return nil, err
	}

	invalid := make([]domain.InvalidItemDetail, 0, len(validation.ItemsToHide))
	for _, it := range validation.ItemsToHide {
		invalid = append(invalid, domain.InvalidItemDetail{CartItemID: it.CartItemID, Cause: it.Cause})
	}
	return &RevalidationOutcome{
		RestoredItemIDs: restored.RestoredItemIDs,
		InvalidItems:    invalid,
		ValidCount:      validation.ValidCount,
	}, nil
}

func (s *ValidationService) withDetails(ctx context.Context, outcome *RevalidationOutcome, locale string) (*RevalidationOutcome, error) {
	ids := make([]string, 0, len(outcome.InvalidItems))
	for _, it := range outcome.InvalidItems {
		ids = append(ids, it.CartItemID)
	}
	details, err := s.GetInvalidItemsDetails(ctx, ids, locale)
	if err != nil {
		return nil, err
	}
	outcome.InvalidItems = details
	return outcome, nil
}
