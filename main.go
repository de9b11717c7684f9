package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/handlers"
	"github.com/vicente-simoes/polymarket-copybot-sub000/lock"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
	"github.com/vicente-simoes/polymarket-copybot-sub000/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("COPYBOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		log.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()
	currentCfg := watcher.Current

	store, err := storage.NewPostgres(cfg.Data.PostgresURL, cfg.Data.RedisAddr)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	dataClient := api.NewClient(os.Getenv("DATA_API_URL"), cfg.Ingestion.BackfillRPS)
	clobClient := api.NewClobClient(os.Getenv("CLOB_API_URL"))

	books := api.NewBookCache(clobClient,
		time.Duration(cfg.Execution.BookCacheMS)*time.Millisecond,
		cfg.Execution.QuoteRingSize)

	if cfg.Ingestion.ExecutionMode == "live" {
		log.Printf("[main] execution_mode=live has no adapter yet; orders run through the paper simulator")
	}
	executor := syncer.NewPaperExecutor(store, books,
		time.Duration(cfg.Execution.LatencyMS)*time.Millisecond,
		time.Duration(cfg.Execution.OrderTTLMS)*time.Millisecond)
	defer executor.Shutdown()

	metrics := syncer.NewMetrics()
	engine := syncer.NewEngine(store, books, clobClient, executor, metrics, currentCfg)
	detector := syncer.NewDetector(store, dataClient, engine, metrics, currentCfg)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// The chain watcher must run on exactly one instance. The lease decides
	// which one; losing it mid-flight stops this instance's watcher so a
	// peer can take over.
	var chainWatcher *api.ChainWatcher
	var lease *lock.Manager
	if cfg.Ingestion.TriggerMode == "chain" || cfg.Ingestion.TriggerMode == "both" {
		detector.SetChainEnabled(true)

		chainWatcher = api.NewChainWatcher(cfg.Chain.WSURL, cfg.Chain.HTTPRPCURL,
			cfg.Chain.ExchangeAddrs, detector.HandleChainFill)

		lease = lock.NewManager(store, "chain-watcher",
			time.Duration(cfg.Lock.TTLSec)*time.Second, func() {
				log.Printf("[main] Chain-watcher lease lost, stopping watcher")
				detector.SetChainRunning(false)
				chainWatcher.Stop()
			})

		acquired, err := lease.TryAcquire(rootCtx)
		if err != nil {
			log.Fatalf("failed to acquire chain-watcher lease: %v", err)
		}
		if acquired {
			leaders, err := store.ListLeaders(rootCtx, true)
			if err != nil {
				log.Fatalf("failed to list leaders: %v", err)
			}
			wallets := make([]string, 0, len(leaders))
			for _, l := range leaders {
				wallets = append(wallets, l.Wallet)
			}
			chainWatcher.SetFollowedWallets(wallets)

			if err := chainWatcher.Start(rootCtx); err != nil {
				log.Fatalf("failed to start chain watcher: %v", err)
			}
			detector.SetChainRunning(true)
			defer chainWatcher.Stop()
		} else if cfg.Ingestion.TriggerMode == "chain" {
			// Chain is the only detection source in this mode; running
			// without the watcher would mean running blind.
			log.Fatalf("chain-watcher lease held by another instance; refusing to start in trigger_mode=chain")
		} else {
			log.Printf("[main] Another instance holds the chain-watcher lease; running API-only")
		}
		defer lease.Release(context.Background())
	}

	if err := detector.Start(rootCtx); err != nil {
		log.Fatalf("failed to start detector: %v", err)
	}
	defer detector.Stop()

	settler := syncer.NewSettler(store, clobClient, currentCfg)
	settler.Start(rootCtx)
	defer settler.Stop()

	// New leaders picked up on config/API changes need the chain filter
	// refreshed too.
	watcher.OnSwap(func(_ *config.Config) {
		if chainWatcher == nil {
			return
		}
		leaders, err := store.ListLeaders(rootCtx, true)
		if err != nil {
			return
		}
		wallets := make([]string, 0, len(leaders))
		for _, l := range leaders {
			wallets = append(wallets, l.Wallet)
		}
		chainWatcher.SetFollowedWallets(wallets)
	})

	// Set up router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	h := handlers.NewHandler(store, executor, books, metrics, currentCfg)
	h.Register(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[main] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] HTTP shutdown: %v", err)
	}
}
