package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rai/clean-txpropagation-go/internal/scenarios"
)

var errScenariosFailed = errors.New("scenarios failed")

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the scenario catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range scenarios.Catalogue() {
				fmt.Fprintf(w, "%s\t%s\n", s.Name, s.Description)
			}
			return w.Flush()
		},
	}
}

type runOptions struct {
	parallel int
	json     bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	m := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios once, all of them when none is named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, root, opts, args)
		},
	}
	m.Flags().IntVarP(&opts.parallel, "parallel", "p", 1, "Number of scenarios to run at the same time")
	m.Flags().BoolVar(&opts.json, "json", false, "Print the reports as JSON")
	return m
}

func runScenarios(cmd *cobra.Command, root *rootOptions, opts *runOptions, names []string) (err error) {
	ctx := cmd.Context()
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(ctx))
	}()

	reports, err := a.runner().RunAll(ctx, names, opts.parallel)
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else if err := printReports(cmd.OutOrStdout(), reports); err != nil {
		return err
	}

	failed := 0
	for _, r := range reports {
		if r.Outcome == scenarios.OutcomeFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errScenariosFailed, failed, len(reports))
	}
	return nil
}

func printReports(out io.Writer, reports []scenarios.Report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCENARIO\tOUTCOME\tDURATION\tOPERATIONS")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", r.Scenario, r.Outcome, r.Duration, r.Operations)
		if r.Error != "" {
			fmt.Fprintf(w, "\t%s\t\t\n", r.Error)
		}
	}
	return w.Flush()
}
