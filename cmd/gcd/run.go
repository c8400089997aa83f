package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewRunCmd(run func() *internal.RunService, a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <dataset.jsonl>",
		Short: "Replay the feedback loop over a dataset",
		Long: `Run every round of the schedule over a JSONL dataset with precomputed
features, query the oracle for the query set of each round and record the
result row. Scores are supplied by the caller's trainer.`,
		Args: cobra.ExactArgs(1),
		RunE: makeRunRunner(run, a),
	}

	addLoopFlags(cmd)
	cmd.Flags().Float64("acc", 0, "Clustering accuracy to record")
	cmd.Flags().Float64("ari", 0, "Adjusted rand index to record")
	cmd.Flags().Float64("nmi", 0, "Normalized mutual information to record")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address while running")
	return cmd
}

func addLoopFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-oracle", false, "Run with the oracle disabled")
}

func makeRunRunner(run func() *internal.RunService, a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		scopeHint, _ := cmd.Flags().GetString("scope")
		asJSON, _ := cmd.Flags().GetBool("json")
		noOracle, _ := cmd.Flags().GetBool("no-oracle")
		addr, _ := cmd.Flags().GetString("metrics-addr")
		acc, _ := cmd.Flags().GetFloat64("acc")
		ari, _ := cmd.Flags().GetFloat64("ari")
		nmi, _ := cmd.Flags().GetFloat64("nmi")

		if addr != "" {
			stop, err := serveMetrics(a, addr)
			if err != nil {
				return err
			}
			defer stop()
		}

		out, err := run().Run(cmd.Context(), internal.RunInput{
			DataPath: args[0],
			Scope:    scopeHint,
			Scores:   internal.Scores{ACC: acc, ARI: ari, NMI: nmi},
			NoOracle: noOracle,
		})
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"summary": out.Summary,
				"result":  out.Row,
				"states":  out.States,
			})
		}

		printSummary(cmd, out.Summary)
		for _, state := range []internal.SamplerState{internal.StateResolved, internal.StatePending, internal.StateCold, internal.StateBaseline} {
			if n := out.States[state]; n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-9s %d\n", state, n)
			}
		}
		return nil
	}
}

func printSummary(cmd *cobra.Command, s internal.RunSummary) {
	fmt.Fprintf(cmd.OutOrStdout(), "Rounds:          %d\n", s.Rounds)
	fmt.Fprintf(cmd.OutOrStdout(), "Cached feedback: %d\n", s.NumCachedFeedback)
	fmt.Fprintf(cmd.OutOrStdout(), "Cache hits:      %d (misses %d)\n", s.CacheHits, s.CacheMisses)
	fmt.Fprintf(cmd.OutOrStdout(), "Oracle calls:    %d (retries %d)\n", s.OracleCalls, s.OracleRetries)
}

// serveMetrics exposes the app registry until the returned stop is called.
func serveMetrics(a *app, addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() { _ = srv.Close() }, nil
}
