package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Seann-Moser/rccar/pkg/controller"
)

var addr string

// serverCmd represents the serve command
var serverCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a browser control page",
	Long: `Serves an arrow pad and a command box over HTTP. Requests are queued on
the same per-line workers as the keyboard session.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := controller.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, c.Close())
		}()

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return c.StartServer(ctx, addr)
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-c.Status():
					logger.Warn(msg)
				}
			}
		})
		err = g.Wait()
		logger.Info("rccar server finished")
		return err
	},
}

func init() {
	serverCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(serverCmd)
}
