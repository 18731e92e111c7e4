/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/Seann-Moser/rccar/pkg/controller"
	"github.com/Seann-Moser/rccar/pkg/terminal"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the car from the keyboard",
	Long: `Puts the terminal in raw mode and reads keys one at a time.

Arrow keys send short bursts: up drives forward, down reverses, left and
right steer. Typed commands such as "1 left" or "2 max" run when Enter is
pressed. 'q' or Ctrl-C quits and releases every GPIO line.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		quietOnTerminal()
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

		t, err := terminal.Open(os.Stdin)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, t.Close())
		}()

		screen := terminal.NewScreen(os.Stdout)
		screen.Banner(terminal.Help)
		err = c.Run(cmd.Context(), t.Events(), screen)
		fmt.Print("\r\n")
		return multierr.Append(err, t.Err())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
