package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dvcrn/storefront-session/internal/app"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/dvcrn/storefront-session/internal/gateway"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/dvcrn/storefront-session/internal/storefront"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	fs := flag.NewFlagSet("storefront", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	fs.Usage = func() { usage(fs) }
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		usage(fs)
		os.Exit(2)
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage(fs)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nav := newNavigator(cmd.page, log)
	a, err := app.New(cfg, app.Options{Navigator: nav, Registerer: reg}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up session")
	}
	a.Events.Subscribe(func(e events.Event) { announce(e, log) })

	log.Debug().Str("command", args[0]).Str("api_url", cfg.BaseURL).Str("storage", cfg.Storage).Msg("Starting")
	a.Start(ctx)

	err = cmd.run(ctx, &env{app: a, out: os.Stdout, log: log, registry: reg}, args[1:])
	if cerr := a.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("⚠️  Failed to close storage")
	}
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "usage: storefront %s\n", cmd.usage)
		os.Exit(2)
	default:
		log.Debug().Err(err).Msg("Command failed")
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

// describe prefers the friendly message for API and session errors and
// shows local errors as they are.
func describe(err error) string {
	var he *gateway.HTTPError
	if errors.As(err, &he) || gateway.IsAuthError(err) || errors.Is(err, storefront.ErrNotLoggedIn) {
		return storefront.UserMessage(err)
	}
	return err.Error()
}

const loginHint = "👉 Run `storefront login <username>` to sign in"

// announce surfaces session events the user should know about. The login
// hint is printed here because one-shot commands exit before a pending
// redirect fires.
func announce(e events.Event, log zerolog.Logger) {
	switch e.Kind {
	case events.ExpiryWarning:
		log.Warn().Dur("remaining", e.Remaining).Msg("⏰ Your session is about to expire")
	case events.AuthError:
		log.Error().Str("reason", e.Reason).Msg("🔒 Please log in again")
		log.Info().Msg(loginHint)
	}
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "Usage: storefront [flags] <command> [args]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	fs.PrintDefaults()
}
