// Command erctl is the entity resolution pipeline's command-line front
// end, grounded on the teacher's cmd/matcher/main.go cobra command tree
// (a root command wiring a shared store connection into a handful of
// subcommands, each parsing its own flags and printing a plain-text
// results summary).
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehdc-er/entityresolution/internal/er/blocking"
	"github.com/ehdc-er/entityresolution/internal/er/erconfig"
	"github.com/ehdc-er/entityresolution/internal/er/erlog"
	"github.com/ehdc-er/entityresolution/internal/er/ermetrics"
	"github.com/ehdc-er/entityresolution/internal/er/pipeline"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/scoring"
	"github.com/ehdc-er/entityresolution/internal/er/similarity"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/store/postgres"
	"github.com/ehdc-er/entityresolution/internal/er/store/sqlite"
)

func main() {
	var configPath string
	var driver string
	var sqlitePath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "erctl",
		Short: "Entity resolution pipeline control",
		Long:  `erctl runs and inspects the blocking/scoring/clustering/golden-record pipeline described by a config document.`,
	}
	// Flag defaults fall back to env vars before the hardcoded default,
	// mirroring the teacher's own GetEnv-backed config pattern.
	rootCmd.PersistentFlags().StringVar(&configPath, "config", erconfig.EnvOr("ERCTL_CONFIG", "config.yaml"), "path to the pipeline config document")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", erconfig.EnvOr("ERCTL_DRIVER", "postgres"), "record store driver: postgres | sqlite")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", erconfig.EnvOr("ERCTL_SQLITE_PATH", "er.db"), "sqlite database file (driver=sqlite only)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", erconfig.EnvOrBool("ERCTL_VERBOSE", false), "override the config document's log_level to debug")

	rootCmd.AddCommand(createRunCmd(&configPath, &driver, &sqlitePath, &verbose))
	rootCmd.AddCommand(createValidateConfigCmd(&configPath))
	rootCmd.AddCommand(createPingCmd(&driver, &sqlitePath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openStore(driver, sqlitePath string) (store.Store, func() error, error) {
	switch driver {
	case "postgres":
		s, err := postgres.Open()
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlite.Open(sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q (want postgres or sqlite)", driver)
	}
}

func createPingCmd(driver, sqlitePath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test record store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := openStore(*driver, *sqlitePath)
			if err != nil {
				return fmt.Errorf("connecting to store: %w", err)
			}
			defer closeFn()

			ok, err := s.HasCollection(context.Background(), "people")
			if err != nil {
				return fmt.Errorf("probing store: %w", err)
			}
			fmt.Printf("store connection ok (people collection present: %v)\n", ok)
			return nil
		},
	}
}

func createValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a pipeline config document without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := erconfig.Load(*configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: entity_type=%s collection=%s blocking_strategies=%d\n",
				cfg.EntityType, cfg.CollectionName, len(cfg.Blocking))
			return nil
		},
	}
}

func createRunCmd(configPath, driver, sqlitePath *string, verbose *bool) *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full entity resolution pipeline over a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := erconfig.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if *verbose {
				cfg.LogLevel = "debug"
			}

			log, err := erlog.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer log.Sync()

			s, closeFn, err := openStore(*driver, *sqlitePath)
			if err != nil {
				return fmt.Errorf("connecting to store: %w", err)
			}
			defer closeFn()

			ctx := context.Background()
			var records []record.Record
			err = s.Scan(ctx, cfg.CollectionName, store.ScanFilter{}, batchSize, func(page []record.Record) error {
				records = append(records, page...)
				return nil
			})
			if err != nil {
				return fmt.Errorf("scanning %s: %w", cfg.CollectionName, err)
			}

			orch := &pipeline.Orchestrator{
				Store:            s,
				Log:              log,
				Metrics:          ermetrics.New(),
				Cfg:              cfg,
				Strategies:       buildStrategies(cfg.Blocking),
				FieldComparators: buildFieldComparators(cfg.Similarity.FieldWeights),
			}

			report, err := orch.Run(ctx, records)
			if err != nil {
				log.Errorw("pipeline run failed", "error", err)
			}

			fmt.Printf("\n=== Entity Resolution Run: %s ===\n", cfg.CollectionName)
			fmt.Printf("Input records:     %d\n", report.InputRecords)
			fmt.Printf("Candidate pairs:   %d (reduction ratio %.4f)\n", report.CandidatePairs, report.ReductionRatio)
			fmt.Printf("Scored pairs:      %d\n", report.ScoredPairs)
			fmt.Printf("Edges written:     %d\n", report.EdgesWritten)
			fmt.Printf("Clusters:          %d (avg size %.2f)\n", report.Clusters, report.AvgClusterSize)
			fmt.Printf("Golden records:    %d (avg quality %.4f)\n", report.GoldenRecords, report.GoldenQualityAvg)
			for _, t := range report.Timings {
				fmt.Printf("  stage %-12s %s\n", t.Stage, t.Duration)
			}

			if report.Err != nil {
				return report.Err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "scan-batch-size", erconfig.EnvOrInt("ERCTL_SCAN_BATCH_SIZE", 1000), "page size used when scanning the input collection")
	return cmd
}

// buildStrategies translates the config's named blocking strategies into
// blocking.Strategy values. Unknown strategy names are logged and
// skipped rather than aborting the whole run, since a config document
// may list strategies meant for a different entity type.
func buildStrategies(cfgs []erconfig.BlockingStrategyConfig) []blocking.Strategy {
	strategies := make([]blocking.Strategy, 0, len(cfgs))
	for _, c := range cfgs {
		switch c.Name {
		case "exact":
			strategies = append(strategies, blocking.ExactField{Fields: c.Fields})
		case "composite":
			strategies = append(strategies, blocking.CompositeKey{Fields: c.Fields, MaxBlockSize: c.MaxBlockSize})
		case "phonetic":
			strategies = append(strategies, blocking.Phonetic{Fields: c.Fields, MaxBlockSize: c.MaxBlockSize})
		case "ngram":
			field := ""
			if len(c.Fields) > 0 {
				field = c.Fields[0]
			}
			strategies = append(strategies, blocking.NGramPrefix{Field: field, MaxBlockSize: c.MaxBlockSize})
		case "sorted_neighborhood":
			strategies = append(strategies, blocking.SortedNeighborhood{Fields: c.Fields})
		case "vector":
			strategies = append(strategies, blocking.VectorField{MinCosine: c.MinScore, Limit: c.LimitPerEntity, GateField: c.GateField, MaxBlockSize: c.MaxBlockSize})
		case "lsh":
			strategies = append(strategies, &blocking.LSH{NumHashTables: c.NumHashTables, NumHyperplanes: c.NumHyperplanes, RandomSeed: c.RandomSeed})
		default:
			log.Printf("erctl: ignoring unknown blocking strategy %q", c.Name)
		}
	}
	return strategies
}

// buildFieldComparators translates the config's named comparators into
// similarity.Comparator funcs paired with their Fellegi-Sunter weights.
func buildFieldComparators(weights map[string]erconfig.FieldWeight) map[string]scoring.FieldComparator {
	out := make(map[string]scoring.FieldComparator, len(weights))
	for field, w := range weights {
		out[field] = scoring.FieldComparator{
			Comparator: comparatorByName(w.Comparator),
			Weight: similarity.FieldWeight{
				MProb:      w.MProb,
				UProb:      w.UProb,
				Threshold:  w.Threshold,
				Importance: w.Importance,
			},
		}
	}
	return out
}

func comparatorByName(name string) similarity.Comparator {
	switch name {
	case "jaro_winkler":
		return similarity.JaroWinkler
	case "levenshtein":
		return similarity.LevenshteinSimilarity
	case "phonetic":
		return similarity.Phonetic
	case "ngram":
		return similarity.NGramJaccard(3)
	case "exact", "":
		return similarity.Exact
	default:
		log.Printf("erctl: unknown comparator %q, falling back to exact match", name)
		return similarity.Exact
	}
}
