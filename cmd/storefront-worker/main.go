//go:build js && wasm

// Command storefront-worker runs the session layer on Cloudflare Workers.
// The credential lives in a KV namespace, so a single deployment holds one
// storefront session and exposes it over a small JSON API.
package main

import (
	"encoding/json"
	"net/http"

	"github.com/dvcrn/storefront-session/internal/app"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/dvcrn/storefront-session/internal/storefront"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare"
)

func main() {
	log := logger.New()

	cfg, err := config.LoadFrom(func(key string) (string, bool) {
		v := cloudflare.Getenv(key)
		return v, v != ""
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Storage = config.StorageKV

	log.Info().Str("binding", cfg.KVBinding).Msg("📦 Using Cloudflare KV session storage")
	a, err := app.New(cfg, app.Options{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up session")
	}
	a.CheckSession()

	workers.Serve(newRouter(a, log))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func newRouter(a *app.App, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
		s := a.Store.Session()
		remaining, _ := a.Store.Remaining()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"authenticated":      s.Authenticated,
			"user":               a.Auth.CurrentUser(),
			"expires_in_seconds": int64(remaining.Seconds()),
		})
	})

	r.Post("/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		user, err := a.Auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			fail(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	})

	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		a.Auth.Logout()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/products", func(w http.ResponseWriter, r *http.Request) {
		q := storefront.ProductQuery{
			Type:   r.URL.Query().Get("type"),
			Search: r.URL.Query().Get("search"),
		}
		products, err := a.Client.Products.List(r.Context(), q)
		if err != nil {
			fail(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, products)
	})

	r.Get("/cart", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Auth.EnsureAuthenticated(); err != nil {
			fail(w, log, err)
			return
		}
		uid, _ := a.Auth.UserID()
		cart, err := a.Client.Cart.Get(r.Context(), uid)
		if err != nil {
			fail(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, cart)
	})

	return r
}

func fail(w http.ResponseWriter, log zerolog.Logger, err error) {
	log.Warn().Err(err).Msg("Request failed")
	status := http.StatusBadGateway
	if storefront.IsSessionError(err) {
		status = http.StatusUnauthorized
	}
	writeError(w, status, storefront.UserMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
