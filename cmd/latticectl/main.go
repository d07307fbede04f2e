// Command latticectl is a thin ops CLI over an in-process engine.Engine,
// the same role cmd/warren plays over pkg/manager: no network framing,
// every subcommand opens the configured data directory directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/embedtext"
	"github.com/cuemby/lattice/pkg/engine"
	"github.com/cuemby/lattice/pkg/log"
	"github.com/cuemby/lattice/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "latticectl",
	Short:         "Operate a lattice graph+vector database instance",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("latticectl version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./data", "on-disk data directory (file storage backend)")
	rootCmd.PersistentFlags().Int("dimension", 384, "embedding vector dimension")
	rootCmd.PersistentFlags().String("branch", "main", "branch to operate on")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().Bool("hashing-embedder", false, "embed Data via the built-in deterministic hashing embedder instead of requiring --vector")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(addCmd, getCmd, updateCmd, deleteCmd)
	rootCmd.AddCommand(relateCmd, unrelateCmd, relationsCmd, findCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(commitCmd, historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

// openEngine builds an Engine from the root persistent flags and checks
// out the requested branch, so every subcommand's core operation runs
// against the branch the user asked for even though no engine process
// survives between invocations.
func openEngine(cmd *cobra.Command) (*engine.Engine, context.Context, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	dimension, _ := cmd.Flags().GetInt("dimension")
	branch, _ := cmd.Flags().GetString("branch")
	useHashingEmbedder, _ := cmd.Flags().GetBool("hashing-embedder")

	cfg := config.Default()
	cfg.Dimension = dimension
	cfg.Storage = config.StorageConfig{Kind: "file", BasePath: dataDir}

	var opts []engine.Option
	if useHashingEmbedder {
		opts = append(opts, engine.WithEmbedder(embedtext.NewHashing(dimension)))
	}

	e, err := engine.New(cfg, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}

	ctx := context.Background()
	if branch != "main" {
		if err := e.Checkout(ctx, branch); err != nil {
			_ = e.Close()
			return nil, nil, fmt.Errorf("checkout %s: %w", branch, err)
		}
	}
	return e, ctx, nil
}

// exitCode maps the error taxonomy in pkg/types/errors.go to the process
// exit codes documented for this binary: 0 ok, 2 usage, 3 not-found, 4
// conflict, 5 timeout, 6 storage error.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, types.ErrInvalidInput):
		return 2
	case errors.Is(err, types.ErrNotFound):
		return 3
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrReadOnly):
		return 4
	case errors.Is(err, types.ErrTimeout), errors.Is(err, types.ErrCancelled):
		return 5
	case errors.Is(err, types.ErrThrottled), errors.Is(err, types.ErrTransient),
		errors.Is(err, types.ErrPermanent), errors.Is(err, types.ErrEmbeddingFailed):
		return 6
	default:
		// Anything outside the taxonomy (bad flags, cobra's own arg-count
		// validation, malformed JSON from the caller) is a usage error.
		return 2
	}
}
