package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quote-guard/internal/alerting"
	"quote-guard/internal/config"
	"quote-guard/internal/fetcher"
	"quote-guard/internal/messaging"
	"quote-guard/internal/monitor"
	"quote-guard/internal/pricefeed"
	"quote-guard/internal/pricing"
	"quote-guard/internal/quote"
	"quote-guard/internal/rules"
	"quote-guard/internal/storage"
	"quote-guard/internal/sweeper"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSpotFetcher() fetcher.SpotFetcher {
	if a.Config.Pricing.Source == "oracle" {
		return fetcher.NewOracle(fetcher.OracleOptions{
			RPCURL:       a.Config.Pricing.Oracle.RPCURL,
			FeedAddress:  a.Config.Pricing.Oracle.FeedAddress,
			Timeout:      a.Config.Pricing.Oracle.RequestTimeout,
			MaxStaleness: a.Config.Pricing.Oracle.MaxStaleness,
		}, a.Logger)
	}
	return fetcher.NewREST(fetcher.RESTOptions{
		BaseURL:   a.Config.Pricing.REST.BaseURL,
		Symbol:    a.Config.Pricing.REST.Symbol,
		Timeout:   a.Config.Pricing.REST.RequestTimeout,
		UserAgent: a.Config.Pricing.REST.UserAgent,
	}, a.Logger)
}

func (a *App) newMessenger() (messaging.Messenger, error) {
	if a.Config.Messaging.BaseURL == "" {
		return nil, errors.New("messaging.base_url is required to run the guard")
	}
	return messaging.NewGateway(messaging.GatewayOptions{
		BaseURL: a.Config.Messaging.BaseURL,
		Token:   a.Config.Messaging.Token,
		Timeout: a.Config.Messaging.RequestTimeout,
	}, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newRulesProvider(pool *pgxpool.Pool) (rules.Provider, error) {
	if pool != nil {
		return rules.NewPostgres(pool), nil
	}
	st := a.Config.Rules.Static
	if !st.Enabled {
		a.Logger.Warn().Msg("no rules source configured; channels have no active spread rules")
		return &rules.Static{}, nil
	}
	mode, err := pricing.ParseMode(st.SpreadMode)
	if err != nil {
		return nil, fmt.Errorf("rules.static.spread_mode: %w", err)
	}
	return &rules.Static{
		Rule: &rules.SpreadRule{SpreadMode: mode, SpreadValue: decimal.NewFromFloat(st.SpreadValue)},
	}, nil
}

func (a *App) monitorOptions() monitor.Options {
	return monitor.Options{
		Defaults: monitor.Defaults{
			Enabled:      a.Config.Monitor.Enabled,
			ThresholdBps: decimal.NewFromFloat(a.Config.Monitor.ThresholdBps),
			MaxReprices:  a.Config.Monitor.MaxReprices,
		},
		ThresholdTTL: a.Config.Monitor.ThresholdTTL,
		CancelToken:  a.Config.Monitor.CancelToken,
	}
}

func (a *App) openPool(ctx context.Context) (*pgxpool.Pool, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, closer, err := a.openPool(ctx)
	if err != nil || pool == nil {
		return nil, nil, err
	}
	return storage.NewStore(pool), closer, nil
}

// Run executes the long-running guard service: price feed, quote store,
// volatility monitor, and expiry sweeper wired together.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, closePool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	if closePool != nil {
		defer closePool()
	}

	var escalations *storage.Store
	if pool == nil {
		a.Logger.Warn().Msg("database.dsn not configured; escalations will not be persisted")
	} else {
		escalations = storage.NewStore(pool)
		// The quote store is in-memory, so two guards over one desk would
		// each reprice blind to the other's state.
		unlock, acquired, err := escalations.TryAdvisoryLock(ctx, a.Config.App.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another quoteguard instance already guards this desk")
		}
		defer unlock()
	}

	messenger, err := a.newMessenger()
	if err != nil {
		return err
	}
	provider, err := a.newRulesProvider(pool)
	if err != nil {
		return err
	}
	spot := a.newSpotFetcher()
	store := quote.NewStore(a.Logger)

	var queue *alerting.Queue
	var sink monitor.AlertSink
	if notifier := a.newNotifier(); notifier != nil {
		queue = alerting.NewQueue(notifier, a.Config.Alerting.QueueSize, a.Logger)
		sink = queue
	} else {
		a.Logger.Warn().Msg("no operator alert channel configured; escalations logged only")
	}

	var writer monitor.EscalationWriter
	if escalations != nil {
		writer = escalations
	}

	mon := monitor.New(store, provider, spot, messenger, writer, sink, a.monitorOptions(), a.Logger)
	mon.Start(ctx)

	feed := pricefeed.NewFeed(pricefeed.Options{
		URL:              a.Config.Feed.URL,
		Symbol:           a.Config.Feed.Symbol,
		HandshakeTimeout: a.Config.Feed.HandshakeTimeout,
		PollInterval:     a.Config.Feed.PollInterval,
		PollOverlap:      a.Config.Feed.PollOverlap,
		Backoff: pricefeed.Backoff{
			Initial: a.Config.Feed.BackoffInitial,
			Max:     a.Config.Feed.BackoffMax,
			Factor:  a.Config.Feed.BackoffFactor,
		},
	}, spot, a.Logger)
	feed.Subscribe(mon.HandleTick)
	feed.Connect(ctx)

	sw := sweeper.New(store, mon, sweeper.Options{
		QuoteTTL: a.Config.Quote.TTL,
		Interval: a.Config.Quote.SweepInterval,
	}, a.Logger)

	a.Logger.Info().Str("symbol", a.Config.Feed.Symbol).Msg("starting quote guard service")
	err = sw.Run(ctx)

	feed.Stop()
	mon.Wait()
	if queue != nil {
		queue.Close()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("quote guard service stopped")
	return nil
}

// ExportOptions hold parameters for exporting escalation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure the simulate-reprice dry run.
type SimulateOptions struct {
	QuotedPrice  decimal.Decimal
	CurrentPrice decimal.Decimal
	SpreadMode   string
	SpreadValue  decimal.Decimal
	ThresholdBps decimal.Decimal
	MaxReprices  int
}
