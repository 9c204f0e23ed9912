package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/reinit/pkg/comm/httpgroup"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the group coordinator",
	Long: `Start the HTTP group coordinator: processes join it to form the group,
and it relays collectives, heartbeats and fault notifications between them.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	srv := httpgroup.NewServer(cfg.Coordinator.WorldSize, cfg.Coordinator.HeartbeatTimeout, log)
	router := mux.NewRouter()
	srv.RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.DetectFailures(ctx, cfg.Coordinator.HeartbeatTimeout/3)

	httpSrv := &http.Server{
		Addr:    cfg.Coordinator.ListenAddr,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("coordinator listening on %s for a group of %d", cfg.Coordinator.ListenAddr, cfg.Coordinator.WorldSize)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
