package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sshdeck/internal/logging"
	"sshdeck/internal/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveListen string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sshdeck server",
	Long:  `Serve the session operations over HTTP and stream session events over websockets. Settings are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}

		logging.Logger().Info("Configuration loaded",
			zap.String("listen", cfg.Server.Listen),
			zap.String("profile_backend", cfg.Profiles.Backend),
			zap.Int("max_retries", cfg.Session.ReconnectMaxRetries),
		)

		svc, closeAll := newService(cfg)
		defer closeAll()
		srv := server.New(svc, server.WithOriginPatterns(cfg.Server.AllowedOrigins...))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(cfg.Server.Listen) }()

		select {
		case err := <-errCh:
			if err != nil {
				closeAll()
				logging.Logger().Fatal("Server failed", zap.Error(err))
			}
		case <-ctx.Done():
			logging.Logger().Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Logger().Warn("Shutdown incomplete", zap.Error(err))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Listen address (overrides server.listen)")
}
