// Command ptolemies is the operational CLI for the Ptolemies engine:
// crawl, gc, stats, and verify, with the exit-code contract the
// surrounding tooling depends on (0 success, 2 partial crawl, 3 aborted
// crawl, 4 store error, 5 invariant violation).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/crawl"
	"github.com/ptolemies/ptolemies/engine"
)

const (
	exitOK        = 0
	exitPartial   = 2
	exitAborted   = 3
	exitStoreErr  = 4
	exitInvariant = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		seedsPath   string
		sourceID    string
		all         bool
		incremental bool
		retention   time.Duration
	)

	root := &cobra.Command{
		Use:           "ptolemies",
		Short:         "Documentation crawler with hybrid vector/graph retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&seedsPath, "seeds", "sources.yaml", "crawl seed configuration file")

	exitCode := exitOK

	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl one source (--source) or all configured sources (--all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID == "" && !all {
				return fmt.Errorf("either --source or --all is required")
			}
			eng, err := openEngine(seedsPath)
			if err != nil {
				exitCode = exitAborted
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var ids []string
			if sourceID != "" {
				ids = []string{sourceID}
			}
			summary, results, err := eng.Crawl(ctx, ids, incremental)
			if err != nil {
				exitCode = exitAborted
				return err
			}

			for _, r := range results {
				if len(r.Result.Report) > 0 {
					report, _ := json.Marshal(r.Result.Report)
					fmt.Fprintf(os.Stderr, "%s: %s\n", r.SourceID, report)
				}
			}
			fmt.Printf("crawled %d sources: %d fetched, %d unchanged, %d failed, %d skipped\n",
				summary.Total, summary.Counters.Fetched, summary.Counters.Skipped,
				summary.Counters.Failed, summary.Counters.PermanentSkipped)
			exitCode = summary.ExitCode()
			return nil
		},
	}
	crawlCmd.Flags().StringVar(&sourceID, "source", "", "source_id to crawl")
	crawlCmd.Flags().BoolVar(&all, "all", false, "crawl every configured source")
	crawlCmd.Flags().BoolVar(&incremental, "incremental", false, "send conditional requests against stored document hashes")

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete tombstoned rows past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(seedsPath)
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			defer eng.Close()

			n, err := eng.GC(cmd.Context(), retention)
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			fmt.Printf("gc: deleted %d rows\n", n)
			return nil
		},
	}
	gcCmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "tombstone retention window")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print vector and graph store counters as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(seedsPath)
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			defer eng.Close()

			st, err := eng.Stats(cmd.Context())
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every store invariant, printing violating ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(seedsPath)
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			defer eng.Close()

			violations, err := eng.Verify(cmd.Context())
			if err != nil {
				exitCode = exitStoreErr
				return err
			}
			if len(violations) > 0 {
				for _, v := range violations {
					fmt.Printf("%s\t%s\t%s\n", v.Invariant, v.ID, v.Detail)
				}
				exitCode = exitInvariant
				return nil
			}
			fmt.Println("ok")
			return nil
		},
	}

	root.AddCommand(crawlCmd, gcCmd, statsCmd, verifyCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ptolemies:", err)
		if exitCode == exitOK {
			exitCode = 1
		}
	}
	return exitCode
}

// openEngine builds an Engine from the environment-resolved default
// configuration plus the seed file. A missing seed file is tolerated for
// every command; the engine is then built with no sources.
func openEngine(seedsPath string) (engine.Engine, error) {
	cfg := ptolemies.DefaultConfig().ResolveEnv()

	sources, err := crawl.LoadSeeds(seedsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		sources = nil
	}
	return engine.New(cfg, sources)
}
