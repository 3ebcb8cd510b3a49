package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zjrosen/enrich/internal/enrichment/simulation"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/streams"
)

var (
	simulateFile   string
	simulateOutput string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate NAME [-f FILE]",
	Short: "Dry-run a stream's processors over its samples",
	Long: `Dry-run a stream's processors over its stored sample documents and print
per-document outcomes, parsed rates and detected fields.

With -f, the processors of the definition file are simulated against the
samples of NAME instead of the stored processors.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		repo := db.StreamRepository()

		var def streams.Definition
		if simulateFile != "" {
			def, err = streams.LoadFile(simulateFile)
		} else {
			def, err = repo.Get(ctx, args[0])
		}
		if err != nil {
			return err
		}

		coll := grok.NewCollection(grok.WithPatternsDir(cfg.Grok.PatternsDir), grok.WithCacheTTL(cfg.Grok.CacheTTL))
		if err := coll.Setup(ctx); err != nil {
			return err
		}

		eval := simulation.NewLocalEvaluator(repo, coll, cfg.Simulation.SampleSize)
		if cfg.Simulation.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Simulation.Timeout)
			defer cancel()
		}
		res, err := eval.Simulate(ctx, simulation.Request{
			StreamName: args[0],
			Processors: def.Stream.Ingest.Processing,
		})
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), simulateOutput, res)
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&simulateFile, "file", "f", "", "definition file whose processors are simulated")
	simulateCmd.Flags().StringVarP(&simulateOutput, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(simulateCmd)
}
