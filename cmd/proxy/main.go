// Command proxy is the TLS front door: it terminates client TLS,
// authenticates callers by client certificate or the native
// challenge/response fallback, and forwards requests to configured
// backends with identity headers injected.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mailganti/opsconductor/common/logger"
	"github.com/mailganti/opsconductor/common/sessions"
)

func main() {
	configPath := flag.String("config", "proxy.yaml", "path to the proxy config file")
	logLevel := flag.String("log-level", "info", "log level")
	logFormat := flag.String("log-format", "text", "log format (text or json)")
	flag.Parse()

	log := logger.New(*logLevel, *logFormat)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newSessionStore(ctx, cfg)
	if err != nil {
		log.Error("initialize session store", "error", err)
		os.Exit(1)
	}

	tlsCfg, err := newTLSConfig(cfg)
	if err != nil {
		log.Error("initialize tls", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenHost, cfg.Server.ListenPort)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		log.Error("listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	log.Info("proxy listening", "addr", addr,
		"backends", len(cfg.Backends),
		"verify_client", cfg.SSL.VerifyClient,
		"native_auth", cfg.Auth.Native.Enabled)

	p := NewProxy(cfg, store, log)
	if err := p.Serve(ctx, ln); err != nil {
		log.Error("serve", "error", err)
		os.Exit(1)
	}
	log.Info("proxy stopped")
}

func newSessionStore(ctx context.Context, cfg *Config) (sessions.Store, error) {
	ttl := cfg.Auth.Native.SessionTimeout()
	switch cfg.Auth.SessionBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Auth.RedisAddr,
			Password: cfg.Auth.RedisPassword,
		})
		return sessions.NewRedisStore(client, ttl), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Auth.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect session database: %w", err)
		}
		return sessions.NewPostgresStore(pool, ttl), nil
	default:
		return sessions.NewMemoryStore(ttl), nil
	}
}

func newTLSConfig(cfg *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSL.Cert, cfg.SSL.Key)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	switch cfg.SSL.VerifyClient {
	case "none":
		tlsCfg.ClientAuth = tls.NoClientCert
	case "required":
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if cfg.SSL.CA != "" {
		pem, err := os.ReadFile(cfg.SSL.CA)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.SSL.CA)
		}
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}
