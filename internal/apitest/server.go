// Package apitest is an in-memory implementation of the storefront REST
// API. It backs the package tests and the mock server command.
package apitest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const DefaultTokenTTL = 30 * time.Minute

type Server struct {
	router *chi.Mux
	logger zerolog.Logger
	secret []byte

	mu       sync.Mutex
	now      func() time.Time
	tokenTTL time.Duration
	hits     map[string]int
	failures map[string][]int

	users     map[int64]*user
	products  map[int64]*product
	carts     map[int64][]cartLine
	orders    map[int64]*order
	favorites map[int64]map[int64]bool
	nextID    int64
}

type Option func(*Server)

// WithClock sets the time used to issue and verify tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.tokenTTL = d }
}

func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

func New(logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		secret:    []byte("apitest-secret"),
		now:       time.Now,
		tokenTTL:  DefaultTokenTTL,
		hits:      make(map[string]int),
		failures:  make(map[string][]int),
		users:     make(map[int64]*user),
		products:  make(map[int64]*product),
		carts:     make(map[int64][]cartLine),
		orders:    make(map[int64]*order),
		favorites: make(map[int64]map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.scriptMiddleware)
	r.NotFound(s.notFoundHandler)

	r.Get("/health", s.healthHandler)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.loginHandler)
		r.Post("/register", s.registerHandler)
		r.With(s.authMiddleware).Post("/refresh", s.refreshHandler)
		r.With(s.authMiddleware).Get("/me", s.meHandler)
	})

	r.Route("/products", func(r chi.Router) {
		r.Get("/", s.listProductsHandler)
		r.Get("/categories/types", s.categoriesHandler)
		r.Get("/{productID}", s.getProductHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Use(s.ownerMiddleware)
			r.Get("/", s.getUserHandler)
			r.Put("/", s.updateUserHandler)
			r.Get("/member-status", s.memberStatusHandler)
			r.Put("/member-status", s.updateMemberStatusHandler)
		})

		r.Route("/cart/{userID}", func(r chi.Router) {
			r.Use(s.ownerMiddleware)
			r.Get("/", s.getCartHandler)
			r.Post("/add", s.addToCartHandler)
			r.Put("/update", s.updateCartHandler)
			r.Delete("/remove/{productID}", s.removeFromCartHandler)
		})

		r.Route("/favorites/{userID}", func(r chi.Router) {
			r.Use(s.ownerMiddleware)
			r.Get("/", s.listFavoritesHandler)
			r.Post("/add", s.addFavoriteHandler)
			r.Delete("/remove/{productID}", s.removeFavoriteHandler)
			r.Get("/check/{productID}", s.checkFavoriteHandler)
		})

		r.Route("/orders", func(r chi.Router) {
			r.With(s.ownerMiddleware).Get("/user/{userID}", s.listOrdersHandler)
			r.Post("/create", s.createOrderHandler)
			r.Put("/{orderID}/cancel", s.cancelOrderHandler)
			r.Put("/{orderID}/complete", s.completeOrderHandler)
			r.Post("/{orderID}/pay", s.payOrderHandler)

			r.Group(func(r chi.Router) {
				r.Use(s.adminMiddleware)
				r.Get("/admin/all", s.allOrdersHandler)
				r.Get("/admin/status/{status}", s.ordersByStatusHandler)
				r.Put("/admin/{orderID}/status", s.updateOrderStatusHandler)
				r.Post("/complete-old-orders", s.completeOldOrdersHandler)
			})
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}

// scriptMiddleware counts every request and answers it with a scripted
// failure status when one is queued for its route.
func (s *Server) scriptMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r.Method, r.URL.Path)
		s.mu.Lock()
		s.hits[key]++
		var status int
		if queue := s.failures[key]; len(queue) > 0 {
			status = queue[0]
			s.failures[key] = queue[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeDetail(w, status, "scripted failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Msg("Unhandled route")
	writeDetail(w, http.StatusNotFound, "Not Found")
}

// FailNext makes the next len(statuses) requests to method+path fail with
// the given statuses, in order.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := routeKey(method, path)
	s.failures[key] = append(s.failures[key], statuses...)
}

// Hits returns how many requests reached method+path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[routeKey(method, path)]
}

func (s *Server) ResetHits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = make(map[string]int)
}

func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

func routeKey(method, path string) string {
	return method + " " + path
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
