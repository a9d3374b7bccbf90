// Command bot runs the Execution & Position Management Engine: it wires
// the Signal Queue, Idempotency & State Store, Distributed Lock Service,
// Router Client, Signing Oracle and RPC Gateway into an Engine and runs
// it until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotsimp/internal/config"
	"github.com/spbarathg/callsbotsimp/internal/console"
	"github.com/spbarathg/callsbotsimp/internal/engine"
	"github.com/spbarathg/callsbotsimp/internal/health"
	"github.com/spbarathg/callsbotsimp/internal/lock"
	"github.com/spbarathg/callsbotsimp/internal/metrics"
	"github.com/spbarathg/callsbotsimp/internal/priceoracle"
	"github.com/spbarathg/callsbotsimp/internal/queue"
	"github.com/spbarathg/callsbotsimp/internal/router"
	"github.com/spbarathg/callsbotsimp/internal/rpcgateway"
	"github.com/spbarathg/callsbotsimp/internal/signing"
	"github.com/spbarathg/callsbotsimp/internal/store"
)

func main() {
	setupLogger()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize signing oracle")
	}

	if err := os.MkdirAll(storeDir(cfg.Get().Store.SQLitePath), 0o700); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}
	st, err := store.Open(cfg.Get().Store.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, closeQueue := buildQueue(ctx, cfg)
	defer closeQueue()

	locker, closeLocker := buildLocker(cfg)
	defer closeLocker()

	rpcCfg := cfg.Get().RPC
	rpcClient := rpcgateway.NewClient(cfg.GetPrimaryRPCURL(), cfg.GetFallbackRPCURL(), rpcCfg.BundleURL, cfg.GetBundleAPIKey())

	blockhashCache := rpcgateway.NewBlockhashCache(
		rpcClient,
		cfg.GetBlockhashRefresh(),
		time.Duration(rpcCfg.BlockhashTTLSeconds)*time.Second,
	)
	if err := blockhashCache.Start(); err != nil {
		log.Warn().Err(err).Msg("blockhash prefetcher failed to start; confirmation runs without an expiry horizon")
		blockhashCache = nil
	} else {
		defer blockhashCache.Stop()
		rpcClient.AttachBlockhashCache(blockhashCache)
	}

	routerCfg := cfg.Get().Router
	routerClient := router.NewClient(routerCfg.QuoteAPIURL, routerCfg.SwapAPIURL, routerCfg.PriceAPIURL, routerCfg.MaxSlippageBps, nil)

	eng, err := engine.New(cfg, q, st, locker, routerClient, rpcClient, signer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize execution engine")
	}

	if wsClient := dialPriceOracle(rpcCfg.WSURL); wsClient != nil {
		defer wsClient.Close()
		eng.SetFastConfirmer(priceoracle.NewFastConfirmer(wsClient))

		feed := priceoracle.NewFeed(wsClient)
		feed.OnPriceUpdate(func(u priceoracle.PriceUpdate) {
			if u.PriceUSD > 0 {
				routerClient.WarmPrice(u.Mint, u.PriceUSD)
			}
		})
		eng.SetPriceFeed(feed)
	}

	checker := health.NewChecker(rpcClient, q, rpcCfg.BundleURL)
	if blockhashCache != nil {
		checker.SetBlockhashCache(blockhashCache)
	}
	checker.Start(ctx)

	metrics.StartServer(cfg.Get().Metrics.ListenAddr)
	startHealthEndpoint(cfg.Get().Metrics.ListenAddr, checker)

	if balance, err := rpcClient.GetBalance(ctx, signer.Address()); err != nil {
		log.Warn().Err(err).Msg("failed to fetch initial wallet balance")
	} else if balance == 0 {
		console.WalletEmptyWarning(signer.Address())
	}

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown requested")
	cancel()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("engine did not shut down within 15s, exiting anyway")
	}
	log.Info().Msg("goodbye")
}

func setupLogger() {
	if os.Getenv("ZEROLOG_JSON") == "1" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// buildSigner loads a static key from the environment variable named in
// config, falling back to an auto-generated, locally-cached keypair when
// none is set.
func buildSigner(cfg *config.Manager) (signing.Oracle, error) {
	privateKey := cfg.GetPrivateKey()
	if privateKey != "" {
		return signing.NewStaticKeyOracle(privateKey)
	}

	oracle := signing.NewCachedOracle("./data", 30*24*time.Hour)
	if err := oracle.LoadOrGenerate(); err != nil {
		return nil, fmt.Errorf("load or generate cached signing key: %w", err)
	}
	log.Warn().Str("address", oracle.Address()).Msg("using auto-generated wallet — fund this address to trade")
	return oracle, nil
}

// buildQueue selects a Redis-backed Signal Queue when queue.redis_addr is
// configured, otherwise an in-process queue for single-process
// deployments.
func buildQueue(ctx context.Context, cfg *config.Manager) (queue.Queue, func()) {
	qCfg := cfg.Get().Queue
	if qCfg.RedisAddr == "" {
		q := queue.NewMemoryQueue()
		return q, func() { _ = q.Close() }
	}

	q, err := queue.NewRedisQueue(ctx, qCfg.RedisAddr, qCfg.Stream, qCfg.ConsumerGroup, qCfg.ConsumerName)
	if err != nil {
		log.Fatal().Err(err).Str("addr", qCfg.RedisAddr).Msg("failed to connect to signal queue")
	}
	return q, func() { _ = q.Close() }
}

// buildLocker selects a Redis-backed Distributed Lock Service when
// lock.redis_addr is configured, otherwise the null backend that relies
// on the Execution Engine's in-memory position table for single-process
// correctness.
func buildLocker(cfg *config.Manager) (lock.Locker, func()) {
	lCfg := cfg.Get().Lock
	if lCfg.RedisAddr == "" {
		return lock.NullLocker{}, func() {}
	}

	l := lock.NewRedisLocker(lCfg.RedisAddr)
	return l, func() { _ = l.Close() }
}

// dialPriceOracle dials the WebSocket Price Oracle when rpc.ws_url is
// configured; the one connection carries both the push-based
// confirmation path and the pool-vault price feed. Absent a URL, or on
// dial failure, the engine falls back to the RPC Gateway's polling
// Confirm and the Router Client's HTTP spot-price polls alone.
func dialPriceOracle(wsURL string) *priceoracle.Client {
	if wsURL == "" {
		return nil
	}
	client, err := priceoracle.Dial(wsURL)
	if err != nil {
		log.Warn().Err(err).Str("url", wsURL).Msg("price oracle websocket dial failed, confirmation and price warming will use polling only")
		return nil
	}
	return client
}

// startHealthEndpoint exposes /healthz on a listener one port above the
// metrics server.
func startHealthEndpoint(addr string, checker *health.Checker) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		statuses := checker.GetStatuses()
		for _, s := range statuses {
			if !s.Healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "%s: unhealthy (%s)\n", s.Name, s.Error)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	go func() {
		if err := http.ListenAndServe(healthAddr(addr), mux); err != nil {
			log.Error().Err(err).Msg("health endpoint stopped")
		}
	}()
}

// healthAddr derives a port one above the metrics listener so the two
// servers don't collide on the same socket.
func healthAddr(metricsAddr string) string {
	host, portStr, err := net.SplitHostPort(metricsAddr)
	if err != nil {
		return ":9110"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ":9110"
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1))
}

func storeDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}
