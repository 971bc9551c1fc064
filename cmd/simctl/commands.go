package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stablejack/simulation-engine/internal/codec"
	"github.com/stablejack/simulation-engine/internal/engine"
	"github.com/stablejack/simulation-engine/internal/export"
	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/scenario"
)

type options struct {
	fragment  string
	format    string
	maxPasses int
	verbose   bool
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "simctl",
		Short: "Run protocol and trading simulations offline",
		Long: `simctl evaluates the protocol and trading scenarios without a server.
Scenario state is read from and written to share-link fragments, so any link
produced by the service can be inspected or edited here.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity to stderr")

	recomputeCmd := &cobra.Command{
		Use:   "recompute <scenario> [field=value ...]",
		Short: "Apply edits to a scenario and print the recomputed values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := applyEdits(cmd.Context(), opts, args)
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), m, opts.format)
		},
	}
	recomputeCmd.Flags().StringVarP(&opts.fragment, "fragment", "f", "", "start from a share-link fragment")
	recomputeCmd.Flags().StringVar(&opts.format, "format", "text", "output format: text or json")
	recomputeCmd.Flags().IntVar(&opts.maxPasses, "max-passes", engine.DefaultMaxPasses, "per-stage pass cap")

	shareCmd := &cobra.Command{
		Use:   "share <scenario> [field=value ...]",
		Short: "Apply edits and print a share-link fragment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, frag, err := applyEdits(cmd.Context(), opts, args)
			if err != nil {
				return err
			}
			if _, err := m.Save(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), frag.String())
			return nil
		},
	}
	shareCmd.Flags().StringVarP(&opts.fragment, "fragment", "f", "", "start from a share-link fragment")

	decodeCmd := &cobra.Command{
		Use:   "decode <fragment>",
		Short: "Print every scenario carried by a share-link fragment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frag := codec.ParseFragment(args[0])
			out := cmd.OutOrStdout()
			for _, def := range scenario.All() {
				if _, ok := frag.Token(def.Key); !ok {
					fmt.Fprintf(out, "%s: not in fragment, showing defaults\n", def.Key)
				}
				m := scenario.Load(cmd.Context(), def, frag.Store())
				if err := printState(out, m, opts.format); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	decodeCmd.Flags().StringVar(&opts.format, "format", "text", "output format: text or json")

	fieldsCmd := &cobra.Command{
		Use:   "fields [scenario]",
		Short: "List scenario fields, their labels and edit constraints",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := scenario.All()
			if len(args) == 1 {
				def, err := scenario.Lookup(args[0])
				if err != nil {
					return err
				}
				defs = []*scenario.Definition{def}
			}
			for _, def := range defs {
				if err := printFields(cmd.OutOrStdout(), def); err != nil {
					return err
				}
			}
			return nil
		},
	}

	rootCmd.AddCommand(recomputeCmd, shareCmd, decodeCmd, fieldsCmd)
	return rootCmd
}

// applyEdits loads the scenario named by args[0] from the fragment flag and
// applies the remaining field=value arguments as one edit.
func applyEdits(ctx context.Context, opts options, args []string) (*scenario.Model, *codec.Fragment, error) {
	def, err := scenario.Lookup(args[0])
	if err != nil {
		return nil, nil, err
	}

	patch := make(map[string]any, len(args)-1)
	for _, arg := range args[1:] {
		field, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, nil, fmt.Errorf("edit %q: expected field=value", arg)
		}
		patch[field] = value
	}

	frag := codec.ParseFragment(opts.fragment)
	m := scenario.Load(ctx, def, frag.Store(), engine.WithMaxPasses(opts.maxPasses))
	if len(patch) > 0 {
		if _, err := m.Apply(patch); err != nil {
			return nil, nil, err
		}
	}
	return m, frag, nil
}

func printState(w io.Writer, m *scenario.Model, format string) error {
	state := m.State()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "text":
		return export.Build(m.Definition(), state).WriteTable(w)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printFields(w io.Writer, def *scenario.Definition) error {
	fmt.Fprintf(w, "%s (%s)\n", def.Name, def.Key)

	defaults := def.Defaults()
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Label", "Kind", "Min", "Default")
	for _, f := range def.Graph.Fields() {
		kind, lo := "derived", ""
		if c, ok := def.Constraints.Constraint(f); ok {
			kind = "input"
			if c.HasMin {
				lo = strconv.FormatFloat(c.Min, 'g', -1, 64)
			}
		}
		if err := table.Append(f, model.Label(f), kind, lo, strconv.FormatFloat(defaults.Get(f), 'f', -1, 64)); err != nil {
			return err
		}
	}
	return table.Render()
}
