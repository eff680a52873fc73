package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/artivisi/termkeys/internal/api"
	"github.com/artivisi/termkeys/internal/auth"
	"github.com/artivisi/termkeys/internal/config"
	"github.com/artivisi/termkeys/internal/hsmclient"
	"github.com/artivisi/termkeys/internal/keystore"
	"github.com/artivisi/termkeys/internal/logging"
	"github.com/artivisi/termkeys/internal/rotation"
	"github.com/artivisi/termkeys/internal/server"
	"github.com/artivisi/termkeys/pkg/macengine"
	"github.com/artivisi/termkeys/pkg/pinblock"
)

var (
	debug bool
	human bool
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the terminal key management server",
	Long:  `Start the terminal link listener and the admin HTTP API. The terminal link handles key rotation and message authentication; the admin API exposes key change, rotation notice and record inspection operations.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}
		cfg := config.Get()

		logging.InitLogger(debug, human)

		store, err := keystore.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}

		algorithm, err := macengine.ParseAlgorithm(cfg.Keys.MacAlgorithm)
		if err != nil {
			return fmt.Errorf("invalid mac algorithm: %w", err)
		}
		engine := macengine.New(algorithm)

		pinMode, err := pinblock.ParseCipherMode(cfg.Keys.PinCipherMode)
		if err != nil {
			return fmt.Errorf("invalid pin cipher mode: %w", err)
		}

		hsm := hsmclient.New(cfg.HSM.URL,
			hsmclient.WithTimeout(time.Duration(cfg.HSM.TimeoutSeconds)*time.Second),
			hsmclient.WithLogger(log.Logger),
		)

		coordinator := rotation.New(rotation.Config{
			Store:            store,
			HSM:              hsm,
			Engine:           engine,
			PinMode:          pinMode,
			GracePeriodHours: cfg.Keys.GracePeriodHours,
			ConfirmedBy:      "termkeys",
			Logger:           log.Logger,
		})
		orch := auth.New(store, engine, log.Logger).WithCommitter(coordinator)

		linkAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv, err := server.NewServer(linkAddr, cfg.Keys.BankContext, coordinator, orch)
		if err != nil {
			return fmt.Errorf("failed to initialize terminal link: %w", err)
		}

		apiHandler := api.NewHandler(coordinator, store, srv.Registry(), cfg.Keys.BankContext, log.Logger)
		apiSrv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			Handler:           api.NewRouter(apiHandler),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Str("address", apiSrv.Addr).Msg("admin api started")
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin api stopped unexpectedly")
			}
		}()

		// Ensure the stop channel is closed only once.
		var stopOnce sync.Once
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-stopChan
			log.Info().Msgf("signal %v received, shutting down server", sig)

			stopOnce.Do(func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := apiSrv.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("failed to stop admin api")
				}
				if err := srv.Stop(); err != nil {
					log.Error().Err(err).Msg("failed to stop terminal link")
				}
				close(stopChan)
			})
		}()

		// Start the terminal link.
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start terminal link: %w", err)
		}

		// Block the main goroutine until a termination signal is received.
		<-stopChan

		log.Info().Msg("server stopped gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&human, "human", false, "Enable human-readable logs")
}
