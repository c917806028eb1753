package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dvcrn/storefront-session/internal/app"
	"github.com/dvcrn/storefront-session/internal/storefront"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type env struct {
	app      *app.App
	out      io.Writer
	log      zerolog.Logger
	registry *prometheus.Registry
}

type command struct {
	// page is where the web client would show this; it decides whether an
	// auth error is reported or silently swallowed.
	page  string
	usage string
	run   func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"login":      {page: "/login", usage: "login <username> [password]   (password defaults to $STOREFRONT_PASSWORD)", run: runLogin},
	"register":   {page: "/register", usage: "register <username> <password> [email]", run: runRegister},
	"logout":     {page: "/", usage: "logout", run: runLogout},
	"whoami":     {page: "/profile", usage: "whoami", run: runWhoami},
	"products":   {page: "/products", usage: "products [-type T] [-search KW] [-limit N] [id...]", run: runProducts},
	"categories": {page: "/products", usage: "categories", run: runCategories},
	"cart":       {page: "/cart", usage: "cart [add <product> [qty] | update <product> <qty> | remove <product>]", run: runCart},
	"checkout":   {page: "/checkout", usage: "checkout <recipient> <address>", run: runCheckout},
	"orders":     {page: "/orders", usage: "orders [pay|cancel|complete <order>]", run: runOrders},
	"favorites":  {page: "/profile", usage: "favorites [add|remove|check <product>]", run: runFavorites},
	"admin":      {page: "/admin", usage: "admin orders [-status S] [-skip N] [-limit N] | admin status <order> <status> | admin complete-old", run: runAdmin},
	"watch":      {page: "/", usage: "watch [-metrics-addr ADDR]", run: runWatch},
}

func (e *env) print(v interface{}) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userID returns the logged-in user or starts the auth-error flow.
func (e *env) userID() (int64, error) {
	if err := e.app.Auth.EnsureAuthenticated(); err != nil {
		return 0, err
	}
	id, ok := e.app.Auth.UserID()
	if !ok {
		return 0, storefront.ErrNotLoggedIn
	}
	return id, nil
}

// errUsage makes main print the command's usage line.
var errUsage = errors.New("invalid arguments")

func need(args []string, n int) error {
	if len(args) < n {
		return errUsage
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func runLogin(ctx context.Context, e *env, args []string) error {
	if err := need(args, 1); err != nil {
		return err
	}
	password := os.Getenv("STOREFRONT_PASSWORD")
	if len(args) > 1 {
		password = args[1]
	}
	if password == "" {
		return errors.New("password is required")
	}
	user, err := e.app.Auth.Login(ctx, args[0], password)
	if err != nil {
		return err
	}
	return e.print(user)
}

func runRegister(ctx context.Context, e *env, args []string) error {
	if err := need(args, 2); err != nil {
		return err
	}
	req := storefront.RegisterRequest{Username: args[0], Password: args[1]}
	if len(args) > 2 {
		req.Email = args[2]
	}
	res, err := e.app.Auth.Register(ctx, req)
	if err != nil {
		return err
	}
	return e.print(res)
}

func runLogout(_ context.Context, e *env, _ []string) error {
	e.app.Auth.Logout()
	return nil
}

func runWhoami(ctx context.Context, e *env, _ []string) error {
	if err := e.app.Auth.EnsureAuthenticated(); err != nil {
		return err
	}
	user, err := e.app.Auth.RefreshUser(ctx)
	if err != nil {
		return err
	}
	remaining, _ := e.app.Store.Remaining()
	return e.print(struct {
		*storefront.User
		ExpiresIn string `json:"expires_in"`
	}{user, remaining.Round(time.Second).String()})
}

func runProducts(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("products", flag.ContinueOnError)
	var q storefront.ProductQuery
	fs.StringVar(&q.Type, "type", "", "Only products of this category")
	fs.StringVar(&q.Search, "search", "", "Keyword to search for")
	fs.IntVar(&q.Limit, "limit", 0, "Maximum number of products")
	fs.BoolVar(&q.InStock, "in-stock", false, "Only products in stock")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		products, err := e.app.Client.Products.List(ctx, q)
		if err != nil {
			return err
		}
		return e.print(products)
	}

	calls := make([]func(context.Context) (*storefront.Product, error), 0, fs.NArg())
	for _, arg := range fs.Args() {
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		calls = append(calls, func(ctx context.Context) (*storefront.Product, error) {
			return e.app.Client.Products.Get(ctx, id)
		})
	}
	var (
		products []*storefront.Product
		errs     []error
	)
	for _, r := range storefront.Batch(ctx, 4, calls...) {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		products = append(products, r.Value)
	}
	if err := e.print(products); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runCategories(ctx context.Context, e *env, _ []string) error {
	categories, err := e.app.Client.Products.Categories(ctx)
	if err != nil {
		return err
	}
	return e.print(categories)
}

func runCart(ctx context.Context, e *env, args []string) error {
	uid, err := e.userID()
	if err != nil {
		return err
	}
	cart := e.app.Client.Cart
	if len(args) == 0 {
		c, err := cart.Get(ctx, uid)
		if err != nil {
			return err
		}
		return e.print(c)
	}

	if err := need(args, 2); err != nil {
		return err
	}
	pid, err := parseID(args[1])
	if err != nil {
		return err
	}
	qty := 1
	if len(args) > 2 {
		if qty, err = strconv.Atoi(args[2]); err != nil || qty < 1 {
			return fmt.Errorf("invalid quantity %q", args[2])
		}
	}

	switch args[0] {
	case "add":
		err = cart.Add(ctx, uid, pid, qty)
	case "update":
		if err := need(args, 3); err != nil {
			return err
		}
		err = cart.Update(ctx, uid, pid, qty)
	case "remove":
		err = cart.Remove(ctx, uid, pid)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	c, err := cart.Get(ctx, uid)
	if err != nil {
		return err
	}
	return e.print(c)
}

func runCheckout(ctx context.Context, e *env, args []string) error {
	if err := need(args, 2); err != nil {
		return err
	}
	if _, err := e.userID(); err != nil {
		return err
	}
	res, err := e.app.Client.Orders.Create(ctx, storefront.CreateOrderRequest{Recipient: args[0], ShippingAddress: args[1]})
	if err != nil {
		return err
	}
	e.app.Events.NotifyCartUpdated()
	return e.print(res)
}

func runOrders(ctx context.Context, e *env, args []string) error {
	uid, err := e.userID()
	if err != nil {
		return err
	}
	orders := e.app.Client.Orders
	if len(args) == 0 {
		list, err := orders.List(ctx, uid)
		if err != nil {
			return err
		}
		return e.print(list)
	}

	if err := need(args, 2); err != nil {
		return err
	}
	oid, err := parseID(args[1])
	if err != nil {
		return err
	}
	var res *storefront.OperationResult
	switch args[0] {
	case "pay":
		res, err = orders.Pay(ctx, oid)
	case "cancel":
		res, err = orders.Cancel(ctx, oid)
	case "complete":
		res, err = orders.Complete(ctx, oid)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	return e.print(res)
}

func runFavorites(ctx context.Context, e *env, args []string) error {
	uid, err := e.userID()
	if err != nil {
		return err
	}
	favorites := e.app.Client.Favorites
	if len(args) == 0 {
		list, err := favorites.List(ctx, uid)
		if err != nil {
			return err
		}
		return e.print(list)
	}

	if err := need(args, 2); err != nil {
		return err
	}
	pid, err := parseID(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "add":
		res, err := favorites.Add(ctx, uid, pid)
		if err != nil {
			return err
		}
		return e.print(res)
	case "remove":
		res, err := favorites.Remove(ctx, uid, pid)
		if err != nil {
			return err
		}
		return e.print(res)
	case "check":
		ok, err := favorites.Check(ctx, uid, pid)
		if err != nil {
			return err
		}
		return e.print(map[string]bool{"is_favorite": ok})
	}
	return errUsage
}

func runAdmin(ctx context.Context, e *env, args []string) error {
	if err := need(args, 1); err != nil {
		return err
	}
	if err := e.app.Auth.EnsureAuthenticated(); err != nil {
		return err
	}
	if !e.app.Auth.IsAdmin() {
		return errors.New("administrator access required")
	}
	orders := e.app.Client.Orders

	switch args[0] {
	case "orders":
		fs := flag.NewFlagSet("admin orders", flag.ContinueOnError)
		status := fs.String("status", "", "Only orders in this status")
		skip := fs.Int("skip", 0, "Orders to skip")
		limit := fs.Int("limit", 100, "Maximum number of orders")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		var (
			list []storefront.Order
			err  error
		)
		if *status != "" {
			list, err = orders.ByStatus(ctx, *status)
		} else {
			list, err = orders.All(ctx, *skip, *limit)
		}
		if err != nil {
			return err
		}
		return e.print(list)
	case "status":
		if err := need(args, 3); err != nil {
			return err
		}
		oid, err := parseID(args[1])
		if err != nil {
			return err
		}
		res, err := orders.UpdateStatus(ctx, oid, args[2])
		if err != nil {
			return err
		}
		return e.print(res)
	case "complete-old":
		res, err := orders.CompleteOldOrders(ctx)
		if err != nil {
			return err
		}
		return e.print(res)
	}
	return errUsage
}

// runWatch keeps the session monitor running in the foreground, reporting
// expiry warnings and the cart badge until interrupted. Resuming the
// process after a stop (SIGCONT) counts as the user coming back.
func runWatch(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	if err := fs.Parse(args); err != nil {
		return err
	}

	badge := storefront.NewCartBadge(e.app.Client.Cart, e.app.Store, func(n int) {
		e.log.Info().Int("items", n).Msg("🛒 Cart updated")
	}, e.log)
	defer e.app.Events.Subscribe(badge.HandleEvent)()
	if n, err := badge.Refresh(ctx); err != nil {
		e.log.Warn().Err(err).Msg("⚠️  Could not load cart")
	} else {
		e.log.Info().Int("items", n).Msg("🛒 Cart loaded")
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			e.log.Info().Str("addr", *metricsAddr).Msg("📈 Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	resumed := make(chan os.Signal, 1)
	signal.Notify(resumed, syscall.SIGCONT)
	defer signal.Stop(resumed)

	e.log.Info().Str("state", e.app.Monitor.State().String()).Msg("👀 Watching session, press Ctrl+C to stop")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resumed:
			e.app.Monitor.HandleVisibilityChange(true)
		}
	}
}
