package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/utafrali/storecart/pkg/kafka"
	"github.com/utafrali/storecart/pkg/logger"

	"github.com/utafrali/storecart/internal/domain"
)

// Kafka topics for cart domain events.
var (
	TopicCartUpdated        = pkgkafka.Topic("cart", "updated")
	TopicCartMerged         = pkgkafka.Topic("cart", "merged")
	TopicCartContextChanged = pkgkafka.Topic("cart", "context_changed")
)

// Aggregate type constant.
const AggregateTypeCart = "cart"

// Source identifier for events originating from the cart service.
const SourceCartService = "cart-service"

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	CartID      string  `json:"cart_id"`
	UserID      *string `json:"user_id"`
	Action      string  `json:"action"`
	VariantID   string  `json:"variant_id,omitempty"`
	ItemCount   int     `json:"item_count"`
	TotalAmount int64   `json:"total_amount"`
	Currency    string  `json:"currency"`
}

// CartMergedData is the payload for a cart.merged event.
type CartMergedData struct {
	TargetCartID string `json:"target_cart_id"`
	SourceCartID string `json:"source_cart_id"`
	UserID       string `json:"user_id"`
	Adopted      bool   `json:"adopted"`
}

// CartContextChangedData is the payload for a cart.context_changed event.
type CartContextChangedData struct {
	CartID           string   `json:"cart_id"`
	PreviousLocale   string   `json:"previous_locale"`
	PreviousCurrency string   `json:"previous_currency"`
	Locale           string   `json:"locale"`
	Currency         string   `json:"currency"`
	HiddenItemIDs    []string `json:"hidden_item_ids"`
	RestoredItemIDs  []string `json:"restored_item_ids"`
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes cart domain events to Kafka.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the cart service.
func NewProducer(kafka publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

func (p *Producer) publish(ctx context.Context, topic, cartID string, data any) error {
	event, err := pkgkafka.NewEvent(topic, cartID, AggregateTypeCart, SourceCartService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}
	// Request identity travels as metadata so consumers can trace the caller.
	if id := logger.UserIDFromContext(ctx); id != "" {
		event.WithMetadata("user_id", id)
	}
	if id := logger.CartIDFromContext(ctx); id != "" {
		event.WithMetadata("cart_id", id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("cart_id", cartID),
	)
	return nil
}

// PublishCartUpdated publishes a cart.updated event after an item mutation.
func (p *Producer) PublishCartUpdated(ctx context.Context, action, variantID string, view *domain.FormattedCart) error {
	return p.publish(ctx, TopicCartUpdated, view.Cart.ID, CartUpdatedData{
		CartID:      view.Cart.ID,
		UserID:      view.Cart.UserID,
		Action:      action,
		VariantID:   variantID,
		ItemCount:   view.Summary.ItemCount,
		TotalAmount: view.Summary.TotalAmount,
		Currency:    view.Summary.Currency,
	})
}

// PublishCartMerged publishes a cart.merged event. Adopted is true when the
// guest cart itself became the user's cart.
func (p *Producer) PublishCartMerged(ctx context.Context, userID, targetCartID, sourceCartID string, adopted bool) error {
	return p.publish(ctx, TopicCartMerged, targetCartID, CartMergedData{
		TargetCartID: targetCartID,
		SourceCartID: sourceCartID,
		UserID:       userID,
		Adopted:      adopted,
	})
}

// PublishCartContextChanged publishes a cart.context_changed event.
func (p *Producer) PublishCartContextChanged(ctx context.Context, data CartContextChangedData) error {
	return p.publish(ctx, TopicCartContextChanged, data.CartID, data)
}
