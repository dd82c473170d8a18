package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/dsentr/internal/api"
	"github.com/user/dsentr/internal/config"
	"github.com/user/dsentr/internal/dispatch"
	"github.com/user/dsentr/internal/engine"
	"github.com/user/dsentr/internal/oauth"
	"github.com/user/dsentr/internal/scheduler"
	"github.com/user/dsentr/internal/sse"
	sqlstore "github.com/user/dsentr/internal/storage/sql"
	"github.com/user/dsentr/pkg/adapter"
	"github.com/user/dsentr/pkg/adapter/email"
	"github.com/user/dsentr/pkg/adapter/httpreq"
	"github.com/user/dsentr/pkg/adapter/notion"
	"github.com/user/dsentr/pkg/adapter/slack"
	"github.com/user/dsentr/pkg/crypto"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, dispatcher and scheduler in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the dispatcher, for horizontally scaled workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(false)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func serve(withAPI bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	log := engine.NewDefaultLogger()

	store, err := sqlstore.New(cfg.Driver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%w: open database: %v", errConfig, err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("%w: %v", errMigration, err)
	}

	secretsCipher, err := crypto.NewCipher(cfg.APISecretsKey)
	if err != nil {
		return fmt.Errorf("%w: api secrets key: %v", errConfig, err)
	}
	store.SetParamCipher(secretsCipher)

	tokenCipher, err := crypto.NewCipher(cfg.OAuthTokenKey)
	if err != nil {
		return fmt.Errorf("%w: oauth token key: %v", errConfig, err)
	}
	tokens := oauth.NewManager(store, tokenCipher, log, oauthClientsFromEnv())

	client := &http.Client{Timeout: 60 * time.Second}
	adapters := adapter.Registry{
		"http":   httpreq.New(client, log),
		"email":  email.New(client, cfg.SendGridAPIBase, cfg.MailgunAPIBase, cfg.SESEndpoint, log),
		"slack":  slack.New(client, "https://slack.com", log),
		"notion": notion.New(client, cfg.NotionAPIBase, log),
	}

	eng := engine.New(store, adapters, tokens, log)
	pool := dispatch.New(store, eng, log, cfg.WorkerCount, cfg.WorkerLeaseSec)
	sched := scheduler.New(store, log, cfg.SchedulerTick, cfg.MaxRunsPerPeriod, cfg.AllowQuotaOverage)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		if sig, ok := <-sigCh; ok {
			interrupted.Store(sig == os.Interrupt)
			stop()
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	go sched.Run(ctx)

	if withAPI {
		hub := sse.NewHub()
		watcher := sse.NewWatcher(hub, store, log)
		server := api.NewServer(store, cfg, watcher, log)

		httpServer := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("api listening", "addr", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("api server failed", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		hub.Shutdown()
	} else {
		log.Info("worker running", "workers", cfg.WorkerCount)
		<-ctx.Done()
		log.Info("shutting down")
	}

	<-done // dispatcher drains in-flight runs
	log.Info("shutdown complete")
	if interrupted.Load() {
		return errInterrupted
	}
	return nil
}

// oauthClientsFromEnv reads provider client credentials. A provider without
// credentials simply cannot refresh tokens; stored access tokens still work
// until they expire.
func oauthClientsFromEnv() map[string]oauth.ClientCredentials {
	clients := make(map[string]oauth.ClientCredentials)
	for _, p := range []struct{ name, idVar, secretVar string }{
		{"google", "GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET"},
		{"slack", "SLACK_CLIENT_ID", "SLACK_CLIENT_SECRET"},
		{"notion", "NOTION_CLIENT_ID", "NOTION_CLIENT_SECRET"},
	} {
		id, secret := os.Getenv(p.idVar), os.Getenv(p.secretVar)
		if id != "" && secret != "" {
			clients[p.name] = oauth.ClientCredentials{ID: id, Secret: secret}
		}
	}
	return clients
}
