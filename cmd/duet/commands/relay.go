package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/Duet/internal/adapters/http"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/config"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that pairs agents and forwards their signaling",
		RunE:  runRelay,
	}
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("static", "", "directory served at /")
	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd,
		config.WithFlag("port", cmd.Flags().Lookup("port")),
		config.WithFlag("static_path", cmd.Flags().Lookup("static")),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	orch := &app.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}

	r := router.SetupRouter(ctx, cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Duet relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
