package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/logbook"
	"github.com/kingrea/missionctl/internal/tui"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <mission>",
		Short: "Follow a mission's stages live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			mission := args[0]
			p := tea.NewProgram(
				tui.NewWatch(client, mission, tui.WithRefreshInterval(interval)),
				tea.WithAltScreen(),
			)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			// The table also polls, so a dropped stream only delays updates.
			go func() {
				_ = client.Stream(ctx, mission, func(evt eventbridge.Event) error {
					p.Send(tui.EventMsg(evt))
					return nil
				})
			}()
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("running watch view: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}

func logCmd(opts *rootOptions) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "log <mission>",
		Short: "Print the tail of a mission logbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			book, err := logbook.ForMission(cfg.LogbooksDir(), args[0])
			if err != nil {
				return err
			}
			tail, total := book.Tail(lines)
			out := cmd.OutOrStdout()
			if total == 0 {
				fmt.Fprintf(out, "No entries in %s\n", book.Path())
				return nil
			}
			if total > len(tail) {
				fmt.Fprintf(out, "… %d earlier entries in %s\n", total-len(tail), book.Path())
			}
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "number of lines to show")
	return cmd
}
