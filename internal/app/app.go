package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"market-strength-bot/internal/alarm"
	"market-strength-bot/internal/bot"
	"market-strength-bot/internal/config"
	"market-strength-bot/internal/dispatch"
	"market-strength-bot/internal/keepalive"
	"market-strength-bot/internal/market"
	"market-strength-bot/internal/retention"
	"market-strength-bot/internal/storage"
	"market-strength-bot/internal/strength"
	"market-strength-bot/internal/telegram"
	"market-strength-bot/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// stores groups the file-backed logs and the optional archive.
type stores struct {
	cfg     config.StoreConfig
	alarms  *alarm.Store
	scores  *storage.ScoreHistory
	prices  *storage.PriceLog
	archive *storage.Archive
}

func (s *stores) close() {
	s.archive.Close()
}

// archiveStore avoids handing a typed nil to interface-valued deps.
func (s *stores) archiveStore() storage.ArchiveStore {
	if s.archive == nil {
		return nil
	}
	return s.archive
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	cfg := a.Config.StoreConfig()

	alarms, err := alarm.OpenStore(cfg.AlarmLogPath, cfg.Location, a.Logger)
	if err != nil {
		return nil, err
	}
	scores, err := storage.OpenScoreHistory(cfg.ScoreHistoryPath, cfg.Location, a.Logger)
	if err != nil {
		return nil, err
	}
	prices, err := storage.OpenPriceLog(cfg.PriceLogPath, cfg.Location, a.Logger)
	if err != nil {
		return nil, err
	}
	archive, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}

	return &stores{cfg: cfg, alarms: alarms, scores: scores, prices: prices, archive: archive}, nil
}

func (a *App) openArchive(ctx context.Context) (*storage.Archive, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}

	return storage.OpenArchive(ctx, a.Config.Database, a.Config.App.Name)
}

func (a *App) newMarket() *market.Binance {
	return market.NewBinance(market.BinanceOptions{
		BaseURL:    a.Config.Market.BaseURL,
		QuoteAsset: a.Config.Market.QuoteAsset,
		Timeout:    a.Config.Market.RequestTimeout,
		UserAgent:  version.UserAgent(),
	}, a.Logger)
}

func (a *App) newDispatcher(st *stores) *dispatch.Dispatcher {
	provider := a.newMarket()
	return dispatch.New(dispatch.Deps{
		Strength: strength.NewAggregator(provider, a.Config.Market.RequestTimeout, a.Logger),
		Market:   provider,
		Scores:   st.scores,
		Prices:   st.prices,
		Archive:  st.archiveStore(),
		Lists:    dispatch.NewCoinLists(a.Config.CoinLists),
		Location: st.cfg.Location,
		Now:      time.Now,
	}, a.Logger)
}

func (a *App) newTelegram() *telegram.Client {
	cfg := a.Config.Telegram
	return telegram.NewClient(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RequestTimeout, a.Logger)
}

func (a *App) newPolicy(st *stores) *retention.Policy {
	return retention.NewPolicy(st.cfg, st.alarms, st.scores, st.prices, a.Logger)
}

// Run executes the long-running bot service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.RequireChat(); err != nil {
		return err
	}
	if err := a.Config.RequireWebhookSecret(); err != nil {
		return err
	}

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()
	if st.archive == nil {
		a.Logger.Info().Msg("database.dsn not configured; archive disabled")
	}

	client := a.newTelegram()
	dispatcher := a.newDispatcher(st)
	policy := a.newPolicy(st)

	// The scheduler fires into the bot, and the bot arms through the
	// scheduler; b is assigned before Replay can fire anything.
	var b *bot.Bot
	sched := alarm.NewScheduler(st.alarms, func(ctx context.Context, al alarm.Alarm, firedAt time.Time) {
		b.Fire(ctx, al, firedAt)
	}, alarm.Options{Location: st.cfg.Location}, a.Logger)
	defer sched.Stop()
	st.alarms.OnRemove(func(al alarm.Alarm) { sched.Cancel(al.Key) })

	b = bot.New(bot.Deps{
		Store:       st.alarms,
		Scheduler:   sched,
		Dispatcher:  dispatcher,
		Maintenance: policy,
		Messenger:   client,
		ChatID:      a.Config.Telegram.ChatID,
		Location:    st.cfg.Location,
		Now:         time.Now,
	}, a.Logger)

	armed, err := sched.Replay(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("alarm replay failed")
	} else {
		event := a.Logger.Info().Int("armed", armed)
		if pending := sched.Pending(); len(pending) > 0 {
			event = event.Time("next_fire", pending[0].At).Str("next_kind", pending[0].Kind.String())
		}
		event.Msg("alarms restored")
	}

	if err := policy.Start(ctx, b.MaintenanceDone); err != nil {
		return err
	}
	defer policy.Stop()

	if url := a.Config.Telegram.WebhookURL; url != "" {
		if err := client.SetWebhook(ctx, url, a.Config.Telegram.WebhookSecret); err != nil {
			a.Logger.Error().Err(err).Msg("webhook registration failed")
		}
	}

	pinger := keepalive.New(a.Config.KeepAlive.URL, a.Config.KeepAlive.Interval, a.Config.KeepAlive.Timeout, version.UserAgent(), a.Logger)
	go func() {
		if err := pinger.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("keep-alive stopped")
		}
	}()

	router := telegram.NewRouter(telegram.RouterOptions{
		WebhookPath: a.Config.Telegram.WebhookPath,
		BaseContext: ctx,
		Async:       true,
		SecretToken: a.Config.Telegram.WebhookSecret,
	}, b, a.Logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	a.Logger.Info().Int("port", a.Config.Server.Port).Str("path", a.Config.Telegram.WebhookPath).Msg("bot service started")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("http server terminated with error")
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http server shutdown incomplete")
	}

	a.Logger.Info().Msg("bot service stopped")
	return nil
}

// ReportOptions configure the one-off report command.
type ReportOptions struct {
	// Send posts the report to the configured chat instead of stdout.
	Send bool
}

// ExportOptions hold parameters for exporting score history.
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
