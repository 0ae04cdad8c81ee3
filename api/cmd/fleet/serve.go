package fleet

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetml/fleet/api/pkg/config"
	"github.com/fleetml/fleet/api/pkg/core"
	"github.com/fleetml/fleet/api/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd)
		},
	}
}

func serve(cmd *cobra.Command) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := core.New(cfg)
	if err != nil {
		return fmt.Errorf("building control plane: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("starting control plane: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = server.NewServer(c).ListenAndServe(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("api server failed")
	}

	c.Shutdown()
	return nil
}
