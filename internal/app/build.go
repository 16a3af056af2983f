package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/config"
	"github.com/ent0n29/chimebot/internal/discord"
	"github.com/ent0n29/chimebot/internal/dispatch"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/httpapi"
	"github.com/ent0n29/chimebot/internal/i18n"
	"github.com/ent0n29/chimebot/internal/ingest"
	"github.com/ent0n29/chimebot/internal/observability"
	"github.com/ent0n29/chimebot/internal/policy"
	"github.com/ent0n29/chimebot/internal/session"
)

const shutdownTimeout = 15 * time.Second

// Options are process-level switches that do not live in the config file.
type Options struct {
	Beats bool
}

type BuildResult struct {
	Config     config.Config
	Chimes     chime.Store
	Policies   policy.Store
	Localizer  *i18n.Localizer
	Activity   *session.Activity
	Dispatcher *dispatch.Dispatcher
	Supervisor *session.Supervisor
	API        *httpapi.Server
	Bot        *discord.Bot
	Metrics    *observability.Metrics

	log *zap.Logger

	// Cleanup should be called on shutdown to stop workers and release stores.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger, opts Options) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.Metrics.Namespace, nil)

	localizer, err := i18n.Load(cfg.Locale.ResourceDir, cfg.Locale.Default, log)
	if err != nil {
		return nil, fmt.Errorf("localization init failed: %w", err)
	}

	chimes, err := chime.OpenFileStore(cfg.Chimes.Dir, cfg.Chimes.Volatile, log)
	if err != nil {
		return nil, fmt.Errorf("chime store init failed: %w", err)
	}

	policies, err := policy.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		_ = chimes.Close()
		return nil, fmt.Errorf("policy store init failed: %w", err)
	}

	tools := resolveAudioTools(cfg.Audio, log)

	ingester := ingest.New(chimes, tools.tools, ingest.Config{
		SizeLimit:   cfg.Chimes.FileSizeLimitBytes(),
		DurationMax: cfg.Chimes.DurationMax,
	}, log)

	activity := session.NewActivity()
	dispatcher := dispatch.New(chimes, policies, activity, dispatch.Options{
		BusSize:     cfg.Dispatch.BusSize,
		PlaybackCap: cfg.Chimes.PlaybackCap,
		Logger:      log,
		Metrics:     metrics,
	})

	supervisor := session.NewSupervisor(activity, dispatcher, cfg.Dispatch.IdlePeriod, nil, log)
	supervisor.SetLeaveHook(func(_ domain.SessionID, err error) {
		metrics.IdleDisconnect(err)
	})

	commands := discord.NewCommands(chimes, policies, ingester, log)
	bot, err := discord.New(discord.Options{
		Token:       cfg.Discord.Token,
		CommandRoot: cfg.Discord.CommandRoot,
		Beats:       opts.Beats,
		Tools:       tools.tools,
	}, dispatcher, commands, localizer, log)
	if err != nil {
		dispatcher.Close()
		_ = policies.Close()
		_ = chimes.Close()
		return nil, err
	}

	api := httpapi.New(cfg.HTTP, dispatcher, activity, httpapi.StatusSource{
		FFmpeg:    tools.tools.FFmpeg,
		FFprobe:   tools.tools.FFprobe,
		ChimeDir:  cfg.Chimes.Dir,
		Volatile:  cfg.Chimes.Volatile,
		StoreMode: policy.Mode(cfg.Database.URL),
		Locales:   localizer.Available(),
	}, metrics, log)

	cleanup := func() error {
		dispatcher.Close()
		return errors.Join(policies.Close(), chimes.Close())
	}

	log.Info("components ready",
		zap.String("store", policy.Mode(cfg.Database.URL)),
		zap.String("audio", tools.detail),
		zap.Strings("locales", localizer.Available()))

	return &BuildResult{
		Config:     cfg,
		Chimes:     chimes,
		Policies:   policies,
		Localizer:  localizer,
		Activity:   activity,
		Dispatcher: dispatcher,
		Supervisor: supervisor,
		API:        api,
		Bot:        bot,
		Metrics:    metrics,
		log:        log,
		Cleanup:    cleanup,
	}, nil
}

// Run serves the gateway, the idle supervisor and the HTTP surface until
// ctx is done or one of them fails.
func (r *BuildResult) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.Bot.Run(ctx) })
	g.Go(func() error {
		r.Supervisor.Run(ctx)
		return nil
	})

	if addr := r.Config.HTTP.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: r.API.Router(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			r.log.Info("http listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.log.Warn("graceful http shutdown failed", zap.Error(err))
				_ = srv.Close()
			}
			return nil
		})
	}

	return g.Wait()
}
