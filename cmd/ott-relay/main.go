// Command ott-relay: resolve provider streams into proxied playback URLs.
//
//	serve    Run the HTTP route layer (stream resolution, health, metrics). For systemd.
//	login    Authenticate one provider and persist its tokens
//	resolve  Resolve one item ID and print the descriptor as JSON
//	health   Print token state for every registered provider
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ottrelay/ott-relay/internal/apiclient"
	"github.com/ottrelay/ott-relay/internal/config"
	"github.com/ottrelay/ott-relay/internal/drm"
	"github.com/ottrelay/ott-relay/internal/fallback"
	"github.com/ottrelay/ott-relay/internal/provider"
	"github.com/ottrelay/ott-relay/internal/proxyurl"
	"github.com/ottrelay/ott-relay/internal/remux"
	"github.com/ottrelay/ott-relay/internal/server"
	"github.com/ottrelay/ott-relay/internal/token"
)

// stack is everything a subcommand might need, wired once.
type stack struct {
	cfg    *config.Config
	tokens *token.Manager
	store  *token.SQLiteStore
	orch   *provider.Orchestrator
	remux  *remux.Queue
}

func buildStack(cfg *config.Config) (*stack, error) {
	creds, err := config.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}

	api := apiclient.New(&http.Client{
		Timeout: cfg.CallTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}, apiclient.Policy{
		MaxAttempts: cfg.CallMaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
	})

	store, err := token.OpenSQLite(cfg.TokenDBPath)
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}
	tokens := token.NewManager(api, store, cfg.TokenExpiryMargin)

	registry := provider.DefaultRegistry()
	geoProxies := map[string]string{}
	for _, id := range registry.IDs() {
		p, _ := registry.Get(id)
		if p.GeoProxyName != "" {
			if u := creds.Proxy(p.GeoProxyName); u != "" {
				geoProxies[p.GeoProxyName] = u
			}
		}
		if !p.RequiresAuth {
			continue
		}
		cred, ok := creds.Provider(id)
		if !ok {
			log.Printf("no credentials for %s; its streams will fail with auth_required", id)
			continue
		}
		if cred.APIKey != "" {
			p.Auth.APIKey = cred.APIKey
		}
		tokens.Register(id, p.Auth, token.Credential{Username: cred.Username, Password: cred.Password})
	}

	var device *drm.Device
	if cfg.DeviceProfilePath != "" {
		device, err = drm.LoadDevice(cfg.DeviceProfilePath)
		if err != nil {
			return nil, err
		}
		log.Printf("loaded device profile (security level %d)", device.SecurityLevel)
	} else {
		log.Printf("no device profile configured; protected streams will fail")
	}
	engine := drm.NewEngine(api, device)

	fb, err := fallback.Open(cfg.FallbackPath)
	if err != nil {
		return nil, err
	}
	if fb.Len() > 0 {
		log.Printf("loaded %d fallback entries from %s", fb.Len(), cfg.FallbackPath)
	}

	rq := remux.NewQueue(cfg.RemuxDir, cfg.RemuxCommand)

	proxy := &proxyurl.Builder{
		Base:           cfg.ProxyBaseURL,
		Password:       cfg.ProxyPassword,
		ForwardHeaders: cfg.ProxyForwardHeaders,
	}

	orch := provider.NewOrchestrator(api, tokens, engine, fb, rq, proxy, registry)
	orch.SetGeoProxies(geoProxies, cfg.ProxyFallbackStatus)

	return &stack{cfg: cfg, tokens: tokens, store: store, orch: orch, remux: rq}, nil
}

func (s *stack) close() {
	s.remux.Close()
	if err := s.store.Close(); err != nil {
		log.Printf("close token store: %v", err)
	}
}

func main() {
	_ = config.LoadDotEnv(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[ott-relay] ")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: OTT_RELAY_LISTEN)")

	loginCmd := flag.NewFlagSet("login", flag.ExitOnError)
	loginProvider := loginCmd.String("provider", "", "Provider ID (cbc, mytf1, sixplay)")

	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolveItem := resolveCmd.String("item", "", "Item ID (provider:channel)")

	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <serve|login|resolve|health> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  serve    Run the HTTP route layer (for systemd)\n")
		fmt.Fprintf(os.Stderr, "  login    Authenticate one provider and persist its tokens\n")
		fmt.Fprintf(os.Stderr, "  resolve  Resolve one item ID, print descriptor JSON\n")
		fmt.Fprintf(os.Stderr, "  health   Print token state for every provider\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		addr := *serveAddr
		if addr == "" {
			addr = cfg.ListenAddr
		}
		st, err := buildStack(cfg)
		if err != nil {
			log.Printf("startup failed: %v", err)
			os.Exit(1)
		}
		defer st.close()

		srv := server.New(st.orch, st.tokens)
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutCtx)
		}()

		log.Printf("serving on %s (providers: %v)", addr, st.orch.Providers())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve failed: %v", err)
			os.Exit(1)
		}

	case "login":
		_ = loginCmd.Parse(os.Args[2:])
		if *loginProvider == "" {
			log.Printf("login: -provider is required")
			os.Exit(2)
		}
		st, err := buildStack(cfg)
		if err != nil {
			log.Printf("startup failed: %v", err)
			os.Exit(1)
		}
		defer st.close()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		set, err := st.tokens.Login(ctx, *loginProvider)
		if err != nil {
			log.Printf("login %s failed: %v", *loginProvider, err)
			os.Exit(1)
		}
		log.Printf("login %s ok; access token expires %s", *loginProvider, set.AccessExpiry.Format(time.RFC3339))

	case "resolve":
		_ = resolveCmd.Parse(os.Args[2:])
		if *resolveItem == "" {
			log.Printf("resolve: -item is required")
			os.Exit(2)
		}
		st, err := buildStack(cfg)
		if err != nil {
			log.Printf("startup failed: %v", err)
			os.Exit(1)
		}
		defer st.close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		desc, err := st.orch.Resolve(ctx, *resolveItem)
		if err != nil {
			log.Printf("resolve %s failed: %v", *resolveItem, err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(desc, "", "  ")
		fmt.Println(string(out))

	case "health":
		_ = healthCmd.Parse(os.Args[2:])
		st, err := buildStack(cfg)
		if err != nil {
			log.Printf("startup failed: %v", err)
			os.Exit(1)
		}
		defer st.close()
		for _, id := range st.orch.Providers() {
			h, err := st.orch.Health(id)
			if err != nil {
				continue
			}
			status := "unauthenticated"
			if h.Authenticated {
				status = "authenticated"
			}
			log.Printf("%-10s %-12s %s (token age %s)", h.Provider, h.DisplayName, status, h.TokenAge.Round(time.Second))
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q. Use serve, login, resolve, or health.\n", os.Args[1])
		os.Exit(1)
	}
}
