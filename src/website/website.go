package website

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/email"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/ratelimit"
)

const (
	outboxSize         = 256
	rateLimitPruneAge  = time.Hour
	rateLimitPruneTick = 10 * time.Minute
)

var WebsiteCommand = &cobra.Command{
	Use:   "grim",
	Short: "Run the comment server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(cmd)
		if err != nil {
			return err
		}
		config.Config = conf
		logging.Configure(conf.LogLevel, conf.LogFormat)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		defer logging.LogPanics(nil)
		conf := config.Config
		logging.Info().Str("env", string(conf.Env)).Msg("Hello, grim!")

		db, err := kv.Open(conf.DbPath)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to open database")
		}
		defer db.Close()

		registry := expiry.New(db)
		outbox := email.NewOutbox(email.LogMailer{}, email.NewTracker(db, registry), outboxSize)
		limiter := ratelimit.New()
		server := &Server{
			Store:   comments.NewStore(db, conf.Comments),
			Auth:    auth.New(db, registry, conf.Auth),
			Limiter: limiter,
			Outbox:  outbox,
			Conf:    conf,
		}

		var wg sync.WaitGroup

		// Start background jobs
		wg.Add(1)
		backgroundJobs := jobs.Jobs{
			registry.RunSweeper(conf.Expiry.SweepInterval),
			limiter.RunPruner(rateLimitPruneTick, rateLimitPruneAge),
			outbox.Run(),
		}

		// Create HTTP server
		wg.Add(1)
		httpServer := http.Server{
			Addr:    conf.Addr,
			Handler: NewWebsiteRoutes(server),
		}
		go func() {
			logging.Info().Str("addr", conf.Addr).Msg("Serving comments")
			serverErr := httpServer.ListenAndServe()
			if !errors.Is(serverErr, http.ErrServerClosed) {
				logging.Error().Err(serverErr).Msg("Server shut down unexpectedly")
			}
			// The wg.Done() happens in the shutdown logic below.
		}()

		// Wait for SIGINT in the background and trigger graceful shutdown
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt)
		go func() {
			<-signals // First SIGINT (start shutdown)
			logging.Info().Msg("Shutting down")

			const timeout = 10 * time.Second

			go func() {
				logging.Info().Msg("Shutting down background jobs...")
				unfinished := backgroundJobs.CancelAndWait(timeout)
				if len(unfinished) == 0 {
					logging.Info().Msg("Background jobs closed gracefully")
				} else {
					logging.Warn().Strs("Unfinished", unfinished).Msg("Background jobs did not finish by the deadline")
				}
				wg.Done()
			}()

			// Gracefully shut down the HTTP server
			go func() {
				timeoutCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				err := httpServer.Shutdown(timeoutCtx)
				if err != nil {
					logging.Warn().Err(err).Msg("Server did not shut down gracefully")
				}
				wg.Done()
			}()

			<-signals // Second SIGINT (force quit)
			logging.Warn().Strs("Unfinished background jobs", backgroundJobs.ListUnfinished()).Msg("Forcibly killed the server")
			os.Exit(1)
		}()

		// Wait for all of the above to finish, then exit
		wg.Wait()
	},
}

func init() {
	config.RegisterFlags(WebsiteCommand)
}
