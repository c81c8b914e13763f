package main

import (
	"fmt"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kurrentlibrary/internal/chaos"
)

var chaosSeed int64

var chaosCmd = &cobra.Command{
	Use:   "chaos",
	Short: "Run the fault-injection experiments against the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBackends(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		engine := chaos.NewEngine(b.store, chaosSeed, slog.Default())
		engine.RegisterExperiments()
		results := engine.RunAll(cmd.Context())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXPERIMENT\tHELD\tDURATION\tOBSERVATIONS")
		failed := 0
		for _, r := range results {
			if !r.HypothesisHeld {
				failed++
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", r.ExperimentName, r.HypothesisHeld, r.Duration.Round(time.Millisecond), observations(r.Observations))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if n := len(engine.Experiments()); len(results) < n {
			return fmt.Errorf("%d of %d experiments did not complete", n-len(results), n)
		}
		if failed > 0 {
			return fmt.Errorf("%d experiments violated their hypothesis", failed)
		}
		return nil
	},
}

func observations(obs map[string]float64) string {
	keys := make([]string, 0, len(obs))
	for k := range obs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%g", k, obs[k])
	}
	return out
}

func init() {
	chaosCmd.Flags().Int64Var(&chaosSeed, "seed", 1, "Seed for fault injection")
	rootCmd.AddCommand(chaosCmd)
}
