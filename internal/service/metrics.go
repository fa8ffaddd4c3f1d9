package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cartMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_merges_total",
		Help: "Guest carts handed to signed-in users, by mode (adopt or merge).",
	}, []string{"mode"})

	cartItemMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_item_mutations_total",
		Help: "Cart item mutations by action.",
	}, []string{"action"})

	cartContextChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_context_changes_total",
		Help: "Cart context update requests by outcome.",
	}, []string{"outcome"})

	cartItemsHiddenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_items_hidden_total",
		Help: "Cart items hidden by context validation, by cause.",
	}, []string{"cause"})

	cartItemsRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_items_restored_total",
		Help: "Cart items made visible again by a context change.",
	})

	cartViewCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_view_cache_requests_total",
		Help: "Formatted cart cache lookups by result.",
	}, []string{"result"})
)
