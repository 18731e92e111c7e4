package cmd

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Seann-Moser/rccar/pkg/command"
	"github.com/Seann-Moser/rccar/pkg/controller"
	"github.com/Seann-Moser/rccar/pkg/terminal"
)

var historyFile string

// consoleCmd represents the console command
var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Type servo commands with line editing and history",
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

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "rccar> ",
			HistoryFile:     historyFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "q",
			AutoComplete:    completer(c),
		})
		if err != nil {
			return errors.Wrap(err, "failed to start line editor")
		}
		var closeOnce sync.Once
		closeLine := func() { closeOnce.Do(func() { rl.Close() }) }
		defer closeLine()

		for _, l := range terminal.Help {
			fmt.Fprintln(rl.Stdout(), l)
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					closeLine()
					return nil
				case msg := <-c.Status():
					fmt.Fprintln(rl.Stdout(), msg)
				}
			}
		})
		g.Go(func() error {
			return console(rl, c)
		})
		if err := g.Wait(); !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

func console(rl *readline.Instance, c *controller.Controller) error {
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			fmt.Fprintln(rl.Stdout(), c.OnQuit().Status)
			return errQuit
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) == 1 && command.IsQuit(r[0]) {
			fmt.Fprintln(rl.Stdout(), c.OnQuit().Status)
			return errQuit
		}
		msg, err := c.Execute(line)
		var pe *command.ParseError
		if err != nil && !errors.As(err, &pe) {
			return err
		}
		fmt.Fprintln(rl.Stdout(), msg)
	}
}

// errQuit stops the status printer once the user has left.
var errQuit = errors.New("quit")

func completer(c *controller.Controller) *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, s := range c.Config.Servos {
		var positions []readline.PrefixCompleterInterface
		for _, name := range s.PositionNames() {
			positions = append(positions, readline.PcItem(name))
		}
		items = append(items, readline.PcItem(s.ID, positions...))
	}
	items = append(items, readline.PcItem("q"))
	return readline.NewPrefixCompleter(items...)
}

func init() {
	consoleCmd.Flags().StringVar(&historyFile, "history", "/tmp/rccar.history", "command history file")
	rootCmd.AddCommand(consoleCmd)
}
