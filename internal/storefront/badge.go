package storefront

import (
	"context"
	"sync"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/rs/zerolog"
)

type ClaimsSource interface {
	Claims() *credentials.Claims
}

// CartBadge keeps the number of items in the user's cart up to date.
type CartBadge struct {
	cart     *CartAPI
	claims   ClaimsSource
	logger   zerolog.Logger
	onChange func(int)

	mu    sync.Mutex
	count int
}

// NewCartBadge creates a badge. onChange, if set, is called with every new
// count.
func NewCartBadge(cart *CartAPI, claims ClaimsSource, onChange func(int), logger zerolog.Logger) *CartBadge {
	return &CartBadge{cart: cart, claims: claims, onChange: onChange, logger: logger}
}

func (b *CartBadge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Refresh reads the cart past the cache and updates the count.
func (b *CartBadge) Refresh(ctx context.Context) (int, error) {
	c := b.claims.Claims()
	if c == nil || c.UserID == 0 {
		b.set(0)
		return 0, nil
	}
	cart, err := b.cart.Fresh(ctx, c.UserID)
	if err != nil {
		b.logger.Debug().Err(err).Msg("Failed to update cart badge")
		return b.Count(), err
	}
	n := cart.ItemsCount
	if n == 0 {
		for _, it := range cart.Items {
			n += it.Quantity
		}
	}
	b.set(n)
	return n, nil
}

// HandleEvent recomputes the count when the cart or the session changes.
// The cart is fetched in the background so publishers are not blocked.
func (b *CartBadge) HandleEvent(e events.Event) {
	switch e.Kind {
	case events.CartUpdated:
	case events.StateChanged:
		if !e.Session.Authenticated {
			b.set(0)
			return
		}
	default:
		return
	}
	go func() { _, _ = b.Refresh(context.Background()) }()
}

func (b *CartBadge) set(n int) {
	b.mu.Lock()
	changed := n != b.count
	b.count = n
	b.mu.Unlock()
	if changed && b.onChange != nil {
		b.onChange(n)
	}
}
