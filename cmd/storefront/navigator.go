package main

import (
	"sync"

	"github.com/rs/zerolog"
)

// navigator maps CLI commands onto the pages of the web client, so a
// command touching the cart counts as being on the cart page.
type navigator struct {
	log zerolog.Logger

	mu   sync.Mutex
	page string
}

func newNavigator(page string, log zerolog.Logger) *navigator {
	return &navigator{page: page, log: log}
}

func (n *navigator) CurrentPage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page
}

// Redirect cannot move the user anywhere; announce already told them
// what to run.
func (n *navigator) Redirect(page string) {
	n.mu.Lock()
	n.page = page
	n.mu.Unlock()
	n.log.Debug().Str("page", page).Msg("Redirected")
}
