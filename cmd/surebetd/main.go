// surebetd is the SureBet ledger client daemon. It serves the open,
// created and wagered bet views over HTTP and WebSocket and submits
// create, wager, resolve and claim actions for the bound wallet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phenomenon0/surebet/pkg/api"
	"github.com/phenomenon0/surebet/pkg/config"
	"github.com/phenomenon0/surebet/pkg/dispatch"
	"github.com/phenomenon0/surebet/pkg/eth"
	"github.com/phenomenon0/surebet/pkg/journal"
	"github.com/phenomenon0/surebet/pkg/logger"
	"github.com/phenomenon0/surebet/pkg/metrics"
	"github.com/phenomenon0/surebet/pkg/paper"
	"github.com/phenomenon0/surebet/pkg/relay"
	"github.com/phenomenon0/surebet/pkg/session"
	"github.com/phenomenon0/surebet/pkg/snapshot"
	"github.com/phenomenon0/surebet/pkg/streaming"
	"github.com/phenomenon0/surebet/pkg/surebet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var (
	// Flags
	configPath = flag.String("config", "", "Path to TOML config file")
	paperMode  = flag.Bool("paper", false, "Run against an in-memory paper ledger")
	seedPaper  = flag.Bool("seed", false, "Create demo bets in paper mode")
	httpAddr   = flag.String("http", "", "HTTP server address (overrides config)")
	privateKey = flag.String("key", "", "Private key for signing (or SUREBET_PRIVATE_KEY env)")
	account    = flag.String("account", "", "Read-only viewer account")
	rpcURL     = flag.String("rpc", "", "JSON-RPC endpoint (overrides config)")
	contract   = flag.String("contract", "", "Ledger contract address (overrides config)")
	verbose    = flag.Bool("verbose", false, "Debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New("surebetd", cfg.General.Env, cfg.General.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize", zap.Error(err))
	}
	defer d.close()

	if err := d.run(ctx); err != nil {
		log.Fatal("daemon stopped", zap.Error(err))
	}
	log.Info("goodbye")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}

	if *paperMode {
		cfg.Paper.Enabled = true
	}
	if *seedPaper {
		cfg.Paper.Seed = true
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}
	if *privateKey != "" {
		cfg.Chain.PrivateKey = *privateKey
	}
	if *account != "" {
		cfg.Chain.Account = *account
	}
	if *rpcURL != "" {
		cfg.Chain.RPCURL = *rpcURL
	}
	if *contract != "" {
		cfg.Chain.ContractAddress = *contract
	}
	if *verbose {
		cfg.General.LogLevel = "debug"
	}

	return cfg, cfg.Validate()
}

type daemon struct {
	cfg        *config.Config
	log        *zap.Logger
	metrics    *metrics.ClientMetrics
	session    *session.Session
	views      *snapshot.Set
	dispatcher *dispatch.Dispatcher
	hub        *streaming.Hub
	relay      *relay.Fanout
	journal    *journal.Journal
	paper      *paper.Ledger
	winnings   surebet.WinningsReader
	closers    []func() error
}

func newDaemon(ctx context.Context, cfg *config.Config, log *zap.Logger) (*daemon, error) {
	d := &daemon{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewClientMetrics(),
		session: session.New(big.NewInt(cfg.Chain.ChainID)),
	}

	var wallet *eth.Wallet
	if cfg.Chain.PrivateKey != "" {
		w, err := eth.NewWallet(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, err
		}
		wallet = w
	}

	var (
		reader surebet.Reader
		ledger dispatch.Ledger
		viewer common.Address
	)

	if cfg.Paper.Enabled {
		if wallet == nil && cfg.Chain.Account == "" {
			w, err := eth.NewRandomWallet()
			if err != nil {
				return nil, err
			}
			wallet = w
		}
		pc := paper.DefaultConfig()
		pc.FeeBasisPoints = cfg.Dispatch.FeeBasisPoints
		d.paper = paper.NewLedger(pc)
		reader = d.paper
		d.winnings = d.paper
		if wallet != nil {
			ledger = d.paper.Signer(wallet.Address())
		}
		log.Info("paper ledger enabled")
	} else {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
		}
		d.closers = append(d.closers, func() error { client.Close(); return nil })

		address, err := eth.ParseAddress(cfg.Chain.ContractAddress)
		if err != nil {
			return nil, err
		}
		cr := surebet.NewChainReader(address, client,
			surebet.WithRateLimit(cfg.Reader.RateLimit, cfg.Reader.Burst),
			surebet.WithCallTimeout(cfg.Reader.CallTimeout.Duration),
			surebet.WithReaderLogger(log.Named("reader")),
			surebet.WithReaderMetrics(d.metrics),
		)
		reader = cr
		d.winnings = cr
		if wallet != nil {
			ledger = surebet.NewTransactor(address, client, wallet, big.NewInt(cfg.Chain.ChainID),
				surebet.WithReceiptTimeout(cfg.Reader.ReceiptTimeout.Duration),
				surebet.WithTransactorLogger(log.Named("transactor")),
			)
		}
		log.Info("connected",
			zap.String("rpc", cfg.Chain.RPCURL),
			zap.Int64("chain_id", cfg.Chain.ChainID),
			zap.String("contract", address.Hex()))
	}

	switch {
	case wallet != nil:
		viewer = wallet.Address()
	case cfg.Chain.Account != "":
		addr, err := eth.ParseAddress(cfg.Chain.Account)
		if err != nil {
			return nil, err
		}
		viewer = addr
	}

	builder := snapshot.NewBuilder(reader,
		snapshot.WithConcurrency(cfg.Reader.Concurrency),
		snapshot.WithLogger(log.Named("builder")),
		snapshot.WithMetrics(d.metrics),
	)
	d.views = snapshot.NewSet(builder, d.session, log.Named("view"), d.metrics)

	d.dispatcher = dispatch.New(&dispatch.Config{
		ErrorDismissDelay: cfg.Dispatch.ErrorDismissDelay.Duration,
		Clock:             time.Now,
	}, ledger, reader, log.Named("dispatch"), d.metrics)

	if cfg.General.JournalPath != "" {
		j, err := journal.Open(cfg.General.JournalPath)
		if err != nil {
			return nil, err
		}
		d.journal = j
		d.closers = append(d.closers, j.Close)
		d.dispatcher.SetRecorder(j)
	}

	d.hub = streaming.NewHub(log, allowOrigins(cfg.Server.AllowedOrigins))
	d.relay = relay.NewFanout(log.Named("relay"), d.hub)
	if err := d.connectRelays(ctx); err != nil {
		return nil, err
	}

	d.wire()
	d.session.Bind(viewer, wallet != nil)

	if d.paper != nil && cfg.Paper.Seed && ledger != nil {
		if err := seed(ctx, ledger); err != nil {
			return nil, fmt.Errorf("seed paper ledger: %w", err)
		}
	}

	return d, nil
}

func (d *daemon) connectRelays(ctx context.Context) error {
	rc := d.cfg.Relay
	if rc.RedisAddr != "" {
		rdb, err := relay.ConnectRedis(ctx, rc.RedisAddr)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, rdb.Close)
		d.relay.Add(relay.NewRedisPublisher(rdb, rc.RedisChannel, "", rc.SnapshotTTL.Duration))
		d.log.Info("redis relay enabled", zap.String("addr", rc.RedisAddr))
	}
	if len(rc.KafkaBrokers) > 0 {
		kp := relay.NewKafkaPublisher(relay.NewKafkaWriter(rc.KafkaBrokers, rc.KafkaTopic))
		d.closers = append(d.closers, kp.Close)
		d.relay.Add(relay.Only(kp, streaming.EventTypeAction, streaming.EventTypeNotice))
		d.log.Info("kafka relay enabled", zap.Strings("brokers", rc.KafkaBrokers))
	}
	return nil
}

// wire connects views, dispatcher and session to each other and to the relay.
func (d *daemon) wire() {
	publish := func(ev streaming.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.relay.Publish(ctx, ev)
	}

	for _, v := range d.views.All() {
		v.OnUpdate(func(s snapshot.Snapshot) {
			publish(streaming.NewEvent(streaming.EventTypeSnapshot, string(s.View), s))
		})
	}

	d.dispatcher.OnStateChange(func(a dispatch.Action) {
		publish(streaming.NewEvent(streaming.EventTypeAction, a.ID, a))
		if a.State == dispatch.StateFailed {
			if n := d.dispatcher.LastError(); n != nil {
				publish(streaming.NewEvent(streaming.EventTypeNotice, a.ID, n))
			}
		}
	})

	d.dispatcher.OnConfirmed(func(ctx context.Context, a dispatch.Action) {
		if a.Kind == dispatch.KindWager {
			d.log.Info("wager confirmed", zap.String("amount", dispatch.DescribeAmount(a)), zap.Uint64p("bet", a.BetID))
		}
		if err := d.views.RefreshAll(ctx); err != nil {
			d.log.Info("refresh after action completed with errors", zap.String("action", a.ID), zap.Error(err))
		}
	})

	d.session.OnChange(func(info session.Info) {
		publish(streaming.NewEvent(streaming.EventTypeSession, "", info))
	})
}

func (d *daemon) run(ctx context.Context) error {
	go d.hub.Run(ctx)

	if err := d.views.RefreshAll(ctx); err != nil {
		d.log.Warn("initial build completed with errors", zap.Error(err))
	}
	go d.refreshLoop(ctx)

	cfg := api.Config{
		Views:          d.views,
		Dispatcher:     d.dispatcher,
		Session:        d.session,
		Winnings:       d.winnings,
		Registry:       d.metrics.Registry(),
		Stream:         http.HandlerFunc(d.hub.ServeWS),
		FeeBasisPoints: d.cfg.Dispatch.FeeBasisPoints,
		Logger:         d.log.Named("api"),
	}
	if d.journal != nil {
		cfg.Actions = d.journal
	}
	if d.paper != nil {
		cfg.PaperStats = func() interface{} { return d.paper.Stats() }
	}

	server := &http.Server{
		Addr:         d.cfg.Server.Addr,
		Handler:      api.New(cfg).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (d *daemon) refreshLoop(ctx context.Context) {
	every := d.cfg.Reader.RefreshEvery.Duration
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.views.RefreshAll(ctx); err != nil {
				d.log.Debug("periodic refresh completed with errors", zap.Error(err))
			}
		}
	}
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.log.Warn("close failed", zap.Error(err))
		}
	}
}

func allowOrigins(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// seed creates demo bets and places one wager so every view has content.
func seed(ctx context.Context, ledger dispatch.Ledger) error {
	demo := []struct {
		description string
		duration    time.Duration
	}{
		{"Will ETH close above $4,000 this week?", 7 * 24 * time.Hour},
		{"Will it rain in Lisbon tomorrow?", 24 * time.Hour},
		{"Will the home team win tonight's match?", 6 * time.Hour},
	}
	for _, b := range demo {
		tx, err := ledger.CreateBet(ctx, b.description, b.duration)
		if err != nil {
			return err
		}
		if _, err := ledger.WaitMined(ctx, tx); err != nil {
			return err
		}
	}

	stake, err := eth.ParseEther("0.25")
	if err != nil {
		return err
	}
	tx, err := ledger.PlaceBet(ctx, 0, surebet.OptionOne, stake)
	if err != nil {
		return err
	}
	_, err = ledger.WaitMined(ctx, tx)
	return err
}
