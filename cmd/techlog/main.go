// Command techlog searches a 1C technological journal directory.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coffersTech/techlog/internal/config"
	"github.com/coffersTech/techlog/internal/engine"
	"github.com/coffersTech/techlog/internal/logging"
	"github.com/coffersTech/techlog/internal/storage"
)

var (
	// Global flags
	directory  string
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "techlog",
	Short: "techlog - query the 1C technological journal",
	Long: `techlog reads a technological journal directory (process_pid
subdirectories with YYMMDDHH.log files), merges every file into one
time-ordered stream and filters it with a small query language:

  event = "EXCP" and duration > 1000000
  Descr = /(?i)deadlock/ and time >= 'now-1h'
  /Usr=admin/`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("directory") {
			cfg.Journal.Root = directory
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync() // Best effort
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&directory, "directory", "d", ".", "Journal root directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "techlog.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum records to print (0 = no limit)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print records as JSON lines")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Only read records at or after this instant (e.g. now-1h, 2024-03-10)")
	queryCmd.Flags().BoolVar(&queryNewest, "newest", false, "Print the last --limit matches instead of the first")

	histogramCmd.Flags().DurationVar(&histogramInterval, "interval", time.Minute, "Bucket width")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(histogramCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newEngine builds an engine from the loaded configuration. metrics may be
// nil. The scan catalog is skipped with a warning when its directory
// cannot be created.
func newEngine(metrics *engine.Metrics) (*engine.Engine, *storage.Catalog, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now
	since, err := cfg.SinceTime(now())
	if err != nil {
		return nil, nil, err
	}

	var cat *storage.Catalog
	if cfg.Cache.Enabled {
		cat, err = storage.NewCatalog(cfg.Cache.Dir, logger)
		if err != nil {
			logger.Warn("Scan cache disabled", zap.String("dir", cfg.Cache.Dir), zap.Error(err))
			cat = nil
		}
	}

	eng := engine.New(engine.Options{
		Root:          cfg.Journal.Root,
		Location:      loc,
		Since:         since,
		Parallelism:   cfg.Merge.Parallelism,
		ReorderWindow: cfg.Merge.ReorderWindow,
		Catalog:       cat,
		Logger:        logger,
		Metrics:       metrics,
		Now:           now,
	})
	return eng, cat, nil
}
