// Command proxy runs the reverse proxy: the single HTTP ingress point
// that authenticates requests and routes them to the collaborator (Chat,
// Files, ...) or the Gateway responsible for each path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/config"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/proxy"
	"github.com/discordant/realtime-core/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

type fatalError struct {
	code int
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func exitCodeFor(err error) int {
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.code
	}
	return 1
}

func run() error {
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG_FILE"), "path to a TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}

	if err := logging.Initialize(cfg.Env != "production"); err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("initialize logging: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewValidator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("build token validator: %w", err)}
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("connect to redis: %w", err)}
	}

	rl, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("build rate limiter: %w", err)}
	}

	p, err := proxy.New(cfg, validator, rl, cfg.GatewayUpstreamURL)
	if err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("build reverse proxy: %w", err)}
	}

	logging.Info(ctx, "proxy listening")
	if err := p.Run(ctx, cfg.ProxyBindAddr); err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("proxy server failed: %w", err)}
	}

	logging.Info(context.Background(), "proxy exited cleanly")
	return nil
}
