// Command storefront-mockapi serves the in-memory storefront API under /api
// so the CLI can be tried without the real backend.
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/dvcrn/storefront-session/internal/apitest"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/go-chi/chi/v5"
)

func main() {
	tokenTTL := flag.Duration("token-ttl", apitest.DefaultTokenTTL, "Lifetime of issued access tokens")
	secret := flag.String("secret", os.Getenv("MOCKAPI_SECRET"), "HMAC secret for issued tokens")
	seed := flag.Bool("seed", true, "Create demo users and products")
	flag.Parse()

	log := logger.New()

	opts := []apitest.Option{apitest.WithTokenTTL(*tokenTTL)}
	if *secret != "" {
		opts = append(opts, apitest.WithSecret(*secret))
	}
	api := apitest.New(logger.Component(log, "mockapi"), opts...)
	if *seed {
		seedDemoData(api)
		log.Info().Msg("🌱 Seeded users admin/admin123 and demo/demo123")
	}

	r := chi.NewRouter()
	r.Mount("/api", api)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	srv := &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("port", port).Dur("token_ttl", *tokenTTL).Msg("Starting mock storefront API")
	log.Fatal().Err(srv.ListenAndServe()).Msg("Server failed to start")
}

func seedDemoData(api *apitest.Server) {
	api.AddUser("admin", "admin123", true)
	api.AddUser("demo", "demo123", false)

	api.AddProduct("Stainless Kettle", "kitchen", 39.90, 25)
	api.AddProduct("Pour-over Set", "kitchen", 24.50, 12)
	api.AddProduct("Linen Apron", "kitchen", 18.00, 0)
	api.AddProduct("Desk Lamp", "home", 45.00, 8)
	api.AddProduct("Wool Throw", "home", 79.00, 4)
	api.AddProduct("Trail Notebook", "stationery", 9.50, 120)
}
