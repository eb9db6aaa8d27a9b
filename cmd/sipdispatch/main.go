// sipdispatch - демон маршрутизации входящих SIP вызовов.
//
// Демон принимает INVITE на настроенных транспортах, пропускает их
// через гейт приема с контролем емкости, выбирает направление по
// таблицам маршрутизации и сводит входящую и исходящую ноги в бридж.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipdispatch/pkg/bridge"
	"github.com/arzzra/sipdispatch/pkg/dispatch"
	"github.com/arzzra/sipdispatch/pkg/routing"
	"github.com/arzzra/sipdispatch/pkg/stack"
)

func main() {
	configPath := flag.String("config", "", "путь к TOML конфигурации")
	logLevel := flag.String("log-level", "info", "уровень логирования: debug, info, warn, error")
	flag.Parse()

	setupLogger(*logLevel)

	if err := run(*configPath); err != nil {
		slog.Error("демон завершился с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sipStack, err := stack.New(cfg.stackConfig())
	if err != nil {
		return fmt.Errorf("создание SIP стека: %w", err)
	}
	defer sipStack.Close()

	resolver, err := buildResolver(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	bridges := bridge.NewRegistry(sipStack.HangupByID, registry)

	dispatcher, err := dispatch.New(cfg.dispatchConfig(), dispatch.Deps{
		Resolver:   resolver,
		Sender:     sipStack,
		Dialer:     sipStack,
		Bridger:    bridges,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("создание диспетчера: %w", err)
	}

	sipStack.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dispatcher.Admit(req, tx)
	})
	sipStack.OnSessionEnd(bridges.Release)

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("запуск диспетчера: %w", err)
	}
	defer dispatcher.Stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sipStack.ListenTransports(groupCtx)
	})

	if cfg.Metrics.Listen != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Metrics.Listen, registry)
		})
	}

	slog.Info("sipdispatch запущен",
		slog.Int("workers", cfg.Dispatch.Workers),
		slog.Int("queue_capacity", cfg.Dispatch.QueueCapacity))

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("sipdispatch остановлен")
	return nil
}

func buildResolver(cfg fileConfig) (dispatch.Resolver, error) {
	var chain routing.Chain

	if len(cfg.Routes) > 0 {
		targets := make(map[string]string, len(cfg.Routes))
		for _, r := range cfg.Routes {
			targets[r.User] = r.URI
		}
		static, err := routing.NewStatic(targets)
		if err != nil {
			return nil, fmt.Errorf("статические маршруты: %w", err)
		}
		chain = append(chain, static)
	}

	if len(cfg.Prefixes) > 0 {
		rules := make([]routing.PrefixRule, 0, len(cfg.Prefixes))
		for _, p := range cfg.Prefixes {
			rules = append(rules, routing.PrefixRule{Prefix: p.Prefix, Target: p.URI})
		}
		prefix, err := routing.NewPrefix(rules)
		if err != nil {
			return nil, fmt.Errorf("префиксные маршруты: %w", err)
		}
		chain = append(chain, prefix)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("не задано ни одного маршрута")
	}
	return chain, nil
}

func serveMetrics(ctx context.Context, listen string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("метрики доступны", slog.String("listen", listen))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
