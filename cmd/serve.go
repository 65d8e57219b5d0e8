package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/JoshuaMGoldstein/buildpool/internal/execserver"
	"github.com/spf13/cobra"
)

func newServeCmd(app *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution server (inside a container)",
		Long:  "serve accepts one control connection at a time and runs commands for it. When the connection closes or idles out the server exits, which ends the container.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := app.cfg.Server
			if addr == "" {
				addr = server.Addr()
			}
			if app.cfg.Token == "" {
				app.log.Warn("BPOOL_TOKEN is empty; the execution server accepts unauthenticated clients")
			}

			srv := execserver.New(execserver.Config{
				Token:            app.cfg.Token,
				IdleTimeout:      server.IdleTimeout,
				Workspace:        server.Workspace,
				Users:            execserver.DefaultUsers(),
				SensitiveEnv:     server.SensitiveEnv,
				KeepAliveOnClose: server.KeepAliveOnClose,
				Logger:           app.log,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :$BPOOL_PORT)")

	return cmd
}
