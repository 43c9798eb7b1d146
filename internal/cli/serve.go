package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/pepper/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and activity stream",
	Long: `Serve the HTTP API that chat transports post messages to, plus a
websocket activity stream of running pipelines. Memory files edited by hand
are picked up while serving.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	server := httpapi.NewServer(a.bridge, a.messenger, a.convs, a.logger)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return server.ListenAndServe(ctx, addr)
	})
	g.Go(func() error {
		return a.memory.Watch(ctx)
	})

	err = g.Wait()
	a.logger.Info("waiting for background learning")
	a.pipeline.Wait()
	return err
}
