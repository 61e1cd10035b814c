package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/params"
	"github.com/uhyunpark/clobnode/pkg/api"
	"github.com/uhyunpark/clobnode/pkg/app/core/market"
	"github.com/uhyunpark/clobnode/pkg/app/exchange"
	"github.com/uhyunpark/clobnode/pkg/app/feeder"
	"github.com/uhyunpark/clobnode/pkg/app/workerpool"
	"github.com/uhyunpark/clobnode/pkg/events"
	"github.com/uhyunpark/clobnode/pkg/metrics"
	"github.com/uhyunpark/clobnode/pkg/notify"
	"github.com/uhyunpark/clobnode/pkg/storage"
	"github.com/uhyunpark/clobnode/pkg/users"
	"github.com/uhyunpark/clobnode/pkg/util"
)

func main() {
	// Priority: ENV > .env > CONFIG_FILE yaml > defaults
	cfg, err := params.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rotate := util.RotateOptions{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	logger, err := util.NewLoggerWithFile(cfg.Log.File, rotate)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File)

	if err := run(cfg, rotate, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
}

func run(cfg params.Config, rotate util.RotateOptions, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Storage.DataDir, "pebble"))
	if err != nil {
		return err
	}
	defer store.Close()

	var trades storage.TradeLog = store.History(cfg.Market.Symbol)
	if cfg.Storage.HistoryBackend == "sqlite" {
		sq, err := storage.NewSQLiteHistory(filepath.Join(cfg.Storage.DataDir, "history.db"), cfg.Market.Symbol)
		if err != nil {
			return err
		}
		defer sq.Close()
		trades = sq
	}
	sugar.Infow("storage_ready", "data_dir", cfg.Storage.DataDir, "history_backend", cfg.Storage.HistoryBackend)

	// ---- Market + accounts ----
	mp := market.DefaultParams
	mp.TickSize = cfg.Market.TickSize
	mp.LotSize = cfg.Market.LotSize
	mp.MinOrderSize = cfg.Market.MinOrderSize
	mp.MaxOrderSize = cfg.Market.MaxOrderSize
	mkt, err := market.New(cfg.Market.Symbol, mp)
	if err != nil {
		return err
	}
	directory := users.NewDirectory(store, sugar)

	// ---- Events ----
	m := metrics.New()
	dispatcher := events.NewDispatcher(sugar, cfg.Events.Buffer)
	dispatcher.SetObserver(m)

	app := exchange.New(sugar, exchange.Deps{
		Market:     mkt,
		Users:      directory,
		Trades:     trades,
		Dispatcher: dispatcher,
		Metrics:    m,
	})

	hub := api.NewHub(sugar, cfg.Market.Symbol)
	sinks := []notify.Sink{hub}
	if cfg.Notify.MulticastGroup != "" {
		udp, err := notify.NewUDPSink(directory, cfg.Notify.MulticastGroup, cfg.Notify.MulticastTTL)
		if err != nil {
			return err
		}
		defer udp.Close()
		sinks = append(sinks, udp)
	}
	dispatcher.Register("notify", notify.NewNotifier(cfg.Notify.ThresholdPrice, sinks...))
	dispatcher.Register("tape", hub)
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic, cfg.Market.Symbol)
		defer kp.Close()
		dispatcher.Register("kafka", kp)
		sugar.Infow("kafka_enabled", "brokers", cfg.Notify.KafkaBrokers, "topic", cfg.Notify.KafkaTopic)
	}

	// Handlers outlive ctx; Close drains pending fills before storage closes.
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Close()

	if cfg.Storage.SeedHistoryFile != "" {
		if err := seedHistory(ctx, app, cfg.Storage.SeedHistoryFile); err != nil {
			return err
		}
	}

	// ---- Request handling ----
	pool := workerpool.New(workerpool.Config{
		Core:          cfg.Pool.CoreSize,
		Max:           cfg.Pool.MaxSize,
		QueueCapacity: cfg.Pool.QueueCapacity,
		KeepAlive:     cfg.Pool.KeepAlive(),
	}, sugar, workerpool.WithBusyObserver(func(busy int) { m.PoolBusy.Set(float64(busy)) }))
	defer pool.Stop()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Log.Journal != "" {
		w, err := util.NewRotatingWriter(cfg.Log.Journal, rotate)
		if err != nil {
			return err
		}
		defer w.Close()
		journal = storage.NewFileJournal(w)
	}

	server := api.NewServer(api.Deps{
		App:     app,
		Hub:     hub,
		Pool:    pool,
		Metrics: m,
		Journal: journal,
		Log:     sugar,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		app.Run(ctx, cfg.Session.IdleTimeout(), cfg.Session.SweepInterval())
	}()

	// ---- Order feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true TXGEN_RATE=20 TXGEN_MID_PRICE=50000
	if cfg.Feeder.Enabled {
		fcfg := feeder.DefaultConfig()
		fcfg.OrdersPerSecond = cfg.Feeder.Rate
		fcfg.MidPrice = cfg.Feeder.MidPrice
		f := feeder.New(fcfg, app.Book(), sugar)
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Run(ctx)
		}()
	} else {
		sugar.Info("txgen_disabled")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(cfg.Server.Addr) }()

	sugar.Infow("node_started",
		"symbol", mkt.Symbol,
		"api_addr", cfg.Server.Addr,
		"threshold_price", cfg.Notify.ThresholdPrice,
		"multicast_group", cfg.Notify.MulticastGroup,
		"pool_core", cfg.Pool.CoreSize,
		"pool_max", cfg.Pool.MaxSize)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
		stop()
	}

	sugar.Info("node_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	wg.Wait()
	return nil
}

func seedHistory(ctx context.Context, app *exchange.App, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = app.SeedHistory(ctx, f)
	return err
}
