package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/lifecycle"
	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/tui"
)

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <mission> [stage]",
		Short: "Show the stages of a mission",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				id, err := parseStage(args[1])
				if err != nil {
					return err
				}
				resp, err := client.Stage(cmd.Context(), args[0], id)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
					printStage(w, resp)
				})
			}
			resp, err := client.Stages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprintln(w, tui.RenderStatus(resp, -1))
			})
		},
	}
}

func transitionCmd(opts *rootOptions, action, short string) *cobra.Command {
	var pairs []string
	var rawJSON string
	cmd := &cobra.Command{
		Use:   action + " <mission> <stage>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseStage(args[1])
			if err != nil {
				return err
			}
			meta, err := parseMetadata(pairs, rawJSON)
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Transition(cmd.Context(), args[0], id, action, meta)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprintln(w, tui.RenderStatus(resp, stage.Index(id)))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&pairs, "meta", "m", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&rawJSON, "meta-json", "", "metadata as a JSON object")
	return cmd
}

func hydrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hydrate <mission> <file|->",
		Short: "Overlay a JSON array of stage entries onto a mission",
		Long: `Overlay stage records onto a mission without transition guards.

The input is a JSON array such as:
  [{"stage": "plan", "state": "completed", "completedAt": 1735689600000}]

Fields left out of an entry keep their current value; an explicit null clears
a timestamp.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readEntries(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Hydrate(cmd.Context(), args[0], entries)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprintln(w, tui.RenderStatus(resp.StagesResponse, -1))
				printReport(w, resp.Report)
			})
		},
	}
}

func closeCmd(opts *rootOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "close <mission>",
		Short: "Close a mission session on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.Close(cmd.Context(), args[0], purge); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the persisted snapshot")
	return cmd
}

func (o *rootOptions) print(w io.Writer, payload any, human func(io.Writer)) error {
	if o.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	human(w)
	return nil
}

func printStage(w io.Writer, resp eventbridge.StageResponse) {
	st := resp.Status
	fmt.Fprintf(w, "Stage:    %s\n", st.Stage)
	fmt.Fprintf(w, "State:    %s\n", st.State)
	fmt.Fprintf(w, "Locked:   %t\n", st.Locked)
	if resp.DurationMs != nil {
		fmt.Fprintf(w, "Duration: %dms\n", *resp.DurationMs)
	}
	if resp.Next != "" {
		fmt.Fprintf(w, "Next:     %s\n", resp.Next)
	}
	for _, key := range st.Metadata.Keys() {
		fmt.Fprintf(w, "  %s = %v\n", key, st.Metadata[key].Interface())
	}
}

func printReport(w io.Writer, report lifecycle.Report) {
	if len(report.Changed) == 0 {
		fmt.Fprintln(w, "\nNo stage records changed.")
	}
	for _, skipped := range report.Skipped {
		fmt.Fprintf(w, "skipped entry %d (%s): %s\n", skipped.Index, skipped.Stage, skipped.Reason)
	}
	for _, issue := range report.Inconsistent {
		fmt.Fprintf(w, "warning: %s\n", issue)
	}
}

func parseStage(raw string) (stage.ID, error) {
	id, ok := stage.Parse(raw)
	if !ok {
		names := make([]string, 0, stage.Count)
		for _, s := range stage.Order() {
			names = append(names, string(s))
		}
		return "", fmt.Errorf("unknown stage %q (want one of %s)", raw, strings.Join(names, ", "))
	}
	return id, nil
}

// parseMetadata merges --meta-json with key=value pairs. Pair values that read
// as numbers or booleans are stored as such.
func parseMetadata(pairs []string, rawJSON string) (stage.Metadata, error) {
	raw := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
			return nil, fmt.Errorf("--meta-json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--meta %q: want key=value", pair)
		}
		raw[key] = scalar(value)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return stage.MetadataFrom(raw)
}

func scalar(value string) any {
	switch strings.TrimSpace(value) {
	case "":
		return value
	case "true", "false":
		return cast.ToBool(value)
	}
	// nan and inf parse as floats but cannot be encoded as JSON.
	if f, err := cast.ToFloat64E(value); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return value
}

func readEntries(stdin io.Reader, path string) ([]lifecycle.Entry, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var entries []lifecycle.Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	return entries, nil
}
