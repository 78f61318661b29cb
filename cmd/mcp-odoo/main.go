// Command mcp-odoo serves a read-only MCP view of an Odoo database over
// stdio (default) or streaming HTTP. Configuration is environment-only; see
// the config struct for the knobs.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ibrohimislam/mcp-odoo/auth"
	"github.com/ibrohimislam/mcp-odoo/auth/authtest"
	"github.com/ibrohimislam/mcp-odoo/internal/logctx"
	"github.com/ibrohimislam/mcp-odoo/internal/recordcache"
	"github.com/ibrohimislam/mcp-odoo/internal/sessioncore"
	"github.com/ibrohimislam/mcp-odoo/odoo"
	"github.com/ibrohimislam/mcp-odoo/odooservice"
	"github.com/ibrohimislam/mcp-odoo/sessions"
	"github.com/ibrohimislam/mcp-odoo/sessions/memoryhost"
	"github.com/ibrohimislam/mcp-odoo/sessions/redishost"
	"github.com/ibrohimislam/mcp-odoo/stdio"
	"github.com/ibrohimislam/mcp-odoo/streaminghttp"
)

type config struct {
	// Transport selects the front-end: "stdio" or "http".
	Transport string `env:"MCP_TRANSPORT,default=stdio"`

	// BindAddr is the HTTP listen address. ENV: MCP_BIND_ADDR
	BindAddr string `env:"MCP_BIND_ADDR,default=127.0.0.1:8080"`

	// PublicEndpoint is the externally reachable MCP URL, used as the OAuth
	// resource identifier and in protected-resource metadata. Defaults to
	// http://<bind addr>/mcp for local runs.
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT"`

	// OIDCIssuer and OIDCAudience enable bearer-token validation via OIDC
	// discovery. Required for the http transport unless NoAuth is set.
	OIDCIssuer   string `env:"MCP_OIDC_ISSUER"`
	OIDCAudience string `env:"MCP_OIDC_AUDIENCE"`

	// NoAuth disables authentication on the http transport. Loopback
	// development only.
	NoAuth bool `env:"MCP_NO_AUTH,default=false"`

	// RedisAddr switches session state and the record cache from in-process
	// memory to Redis, allowing multiple replicas.
	RedisAddr string `env:"REDIS_ADDR"`

	// SigningKey is a base64-encoded 32-byte Ed25519 seed for signing wire
	// session ids. Replicas must share it; when empty an ephemeral per-process
	// key is used.
	SigningKey string `env:"SESSION_SIGNING_KEY"`

	// CacheTTL bounds how long introspection results (model lists, field
	// schemas) are served from cache.
	CacheTTL time.Duration `env:"ODOO_CACHE_TTL,default=5m"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-odoo:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode config: %w", err)
	}

	levelVar := new(slog.LevelVar)
	if err := setLevel(levelVar, cfg.LogLevel); err != nil {
		return err
	}
	log := newLogger(cfg.LogFormat, levelVar)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	odooCfg, err := odoo.NewConfigFromEnv()
	if err != nil {
		return err
	}

	client, err := odoo.NewClient(odooCfg, odoo.WithLogger(log))
	if err != nil {
		return err
	}

	store, err := newCacheStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	cached := odoo.NewCachedClient(client, store, cfg.CacheTTL)

	svc := odooservice.NewService(cached,
		odooservice.WithLogger(log),
		odooservice.WithLogLevelVar(levelVar),
	)

	if odooCfg.PasswordFile != "" {
		go func() {
			err := odoo.WatchPasswordFile(ctx, odooCfg.PasswordFile, log, func(password string) {
				client.SetPassword(password)
				if err := cached.Invalidate(ctx); err != nil {
					log.WarnContext(ctx, "main.cache.invalidate.fail", slog.String("err", err.Error()))
				}
				// The rotated credential may see a different model set.
				svc.NotifyModelsChanged(ctx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorContext(ctx, "main.password_watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	log.InfoContext(ctx, "main.startup",
		slog.String("transport", cfg.Transport),
		slog.Any("odoo", odooCfg),
	)

	switch cfg.Transport {
	case "stdio":
		return runStdio(ctx, cfg, svc, log)
	case "http":
		return runHTTP(ctx, cfg, svc, log)
	default:
		return fmt.Errorf("unknown MCP_TRANSPORT %q (want stdio or http)", cfg.Transport)
	}
}

func runStdio(ctx context.Context, cfg config, svc *odooservice.Service, log *slog.Logger) error {
	h := stdio.NewHandler(svc.Capabilities(), stdio.WithLogger(log))
	err := h.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHTTP(ctx context.Context, cfg config, svc *odooservice.Service, log *slog.Logger) error {
	host, err := newSessionHost(cfg)
	if err != nil {
		return err
	}
	defer host.Close()

	authenticator, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return err
	}

	publicEndpoint := cfg.PublicEndpoint
	if publicEndpoint == "" {
		publicEndpoint = "http://" + cfg.BindAddr + "/mcp"
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithServerName("Odoo MCP Server"),
		streaminghttp.WithLogger(log),
	}
	if cfg.SigningKey != "" {
		seed, err := base64.StdEncoding.DecodeString(cfg.SigningKey)
		if err != nil {
			return fmt.Errorf("decode SESSION_SIGNING_KEY: %w", err)
		}
		keyring, err := sessioncore.KeyringFromSeed("env", seed)
		if err != nil {
			return fmt.Errorf("load SESSION_SIGNING_KEY: %w", err)
		}
		opts = append(opts, streaminghttp.WithSessionKeyring(keyring))
	}

	handler, err := streaminghttp.New(ctx, publicEndpoint, host, svc.Capabilities(), authenticator, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "main.http.listen", slog.String("addr", cfg.BindAddr), slog.String("endpoint", publicEndpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("main.http.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newSessionHost(cfg config) (sessions.SessionHost, error) {
	if cfg.RedisAddr == "" {
		return memoryhost.New(), nil
	}
	return redishost.New(redishost.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: "mcp:sessions:",
	})
}

func newCacheStore(cfg config) (recordcache.Store, error) {
	if cfg.RedisAddr == "" {
		return recordcache.NewMemory(4096)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return recordcache.NewRedis(client, "mcp:odoo:cache:")
}

func newAuthenticator(ctx context.Context, cfg config, log *slog.Logger) (auth.Authenticator, error) {
	if cfg.NoAuth {
		log.WarnContext(ctx, "main.auth.disabled")
		return authtest.NewNoAuth("local-dev"), nil
	}
	if cfg.OIDCIssuer == "" || cfg.OIDCAudience == "" {
		return nil, fmt.Errorf("http transport requires MCP_OIDC_ISSUER and MCP_OIDC_AUDIENCE (or MCP_NO_AUTH=1)")
	}
	return auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
}

func setLevel(lv *slog.LevelVar, level string) error {
	switch strings.ToLower(level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "", "info":
		lv.Set(slog.LevelInfo)
	case "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", level)
	}
	return nil
}

// newLogger writes to stderr: stdout belongs to the stdio transport.
func newLogger(format string, lv *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lv}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}
