package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/storecart/pkg/errors"
	pkgkafka "github.com/utafrali/storecart/pkg/kafka"
	"github.com/utafrali/storecart/pkg/logger"

	"github.com/utafrali/storecart/internal/domain"
)

// TopicUserLoggedIn is published by the user service after a sign-in.
var TopicUserLoggedIn = pkgkafka.Topic("user", "logged_in")

// UserLoggedInData is the payload of a user.logged_in event.
type UserLoggedInData struct {
	UserID      string `json:"user_id"`
	GuestCartID string `json:"guest_cart_id"`
}

// GuestCartMerger merges a guest cart into a user's cart.
type GuestCartMerger interface {
	MergeGuestCartToUser(ctx context.Context, userID, guestCartID string) (*domain.Cart, error)
}

// LoginHandler returns a handler that folds the guest cart named in a
// user.logged_in event into the user's cart. Events without a guest cart are
// acknowledged and skipped.
func LoginHandler(merger GuestCartMerger, log *slog.Logger) pkgkafka.Handler {
	return func(ctx context.Context, event *pkgkafka.Event) error {
		var data UserLoggedInData
		if err := event.UnmarshalData(&data); err != nil {
			log.WarnContext(ctx, "dropping malformed login event",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if data.UserID == "" || data.GuestCartID == "" {
			return nil
		}
		if _, err := uuid.Parse(data.UserID); err != nil {
			log.WarnContext(ctx, "dropping login event with invalid user id",
				slog.String("event_id", event.EventID),
				slog.String("user_id", data.UserID),
			)
			return nil
		}

		if event.CorrelationID != "" {
			ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
		}
		cart, err := merger.MergeGuestCartToUser(ctx, data.UserID, data.GuestCartID)
		if errors.Is(err, apperrors.ErrInvalidInput) {
			log.WarnContext(ctx, "dropping rejected login event",
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("merge guest cart %s: %w", data.GuestCartID, err)
		}

		log.InfoContext(ctx, "merged guest cart on login",
			slog.String("user_id", data.UserID),
			slog.String("guest_cart_id", data.GuestCartID),
			slog.String("cart_id", cart.ID),
		)
		return nil
	}
}
