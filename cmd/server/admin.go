package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/dj-oyu/herdwatch/detection-server/internal/config"
	"github.com/dj-oyu/herdwatch/detection-server/internal/throttle"
	"github.com/dj-oyu/herdwatch/detection-server/pkg/types"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset the alert cooldown ledger",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print last alert time and remaining cooldown per class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return printLedger(cmd.OutOrStdout(), newThrottle(cfg), time.Now())
		},
	}

	reset := &cobra.Command{
		Use:   "reset [class]",
		Short: "Clear the ledger entry for one class, or every class",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			thr := newThrottle(cfg)
			if len(args) == 0 {
				if err := thr.ResetAll(); err != nil {
					return fmt.Errorf("reset ledger: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared all entries in %s\n", cfg.Throttle.LedgerPath)
				return nil
			}
			class := args[0]
			if !slices.Contains(cfg.ClassesByMode(types.Cooldown), class) {
				return fmt.Errorf("%q is not a cooldown class", class)
			}
			if err := thr.Reset(class); err != nil {
				return fmt.Errorf("reset %s: %w", class, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s in %s\n", class, cfg.Throttle.LedgerPath)
			return nil
		},
	}

	cmd.AddCommand(show, reset)
	return cmd
}

func printLedger(w io.Writer, thr *throttle.Throttle, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tLAST ALERT\tREMAINING\tELIGIBLE")
	for _, st := range thr.States(now) {
		if st.Mode != string(types.Cooldown) {
			continue
		}
		last := "-"
		if st.LastAlert != nil {
			last = st.LastAlert.Local().Format(time.RFC3339)
		}
		remaining := "-"
		if st.Remaining > 0 {
			remaining = fmt.Sprintf("%dd (%s)", throttle.DaysCeil(st.Remaining), st.Remaining.Round(time.Minute))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", st.Class, last, remaining, st.Eligible)
	}
	return tw.Flush()
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var format string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg.Masked(), format)
		},
	}
	printCmd.Flags().StringVarP(&format, "output", "o", "yaml", "Output format (yaml, json)")

	cmd.AddCommand(printCmd)
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	case "yaml":
		k := koanf.New(".")
		if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
			return err
		}
		out, err := k.Marshal(yaml.Parser())
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
