package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/vcs"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage per-entity snapshot versions",
}

var versionSaveCmd = &cobra.Command{
	Use:   "save ID",
	Short: "Snapshot an entity's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		tag, _ := cmd.Flags().GetString("tag")
		description, _ := cmd.Flags().GetString("description")

		v, err := e.Version.Save(ctx, args[0], vcs.VersionOptions{Tag: tag, Description: description})
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var versionListCmd = &cobra.Command{
	Use:   "list ID",
	Short: "List an entity's saved versions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		tag, _ := cmd.Flags().GetString("tag")
		limit, _ := cmd.Flags().GetInt("limit")

		versions, err := e.Version.List(ctx, args[0], vcs.ListOptions{Tag: tag, Limit: limit})
		if err != nil {
			return err
		}
		return printJSON(versions)
	},
}

var versionGetCmd = &cobra.Command{
	Use:   "get ID NUMBER",
	Short: "Fetch one saved version by number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		v, err := e.Version.GetVersion(ctx, args[0], n)
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var versionGetByTagCmd = &cobra.Command{
	Use:   "get-by-tag ID TAG",
	Short: "Fetch the most recent saved version carrying TAG",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		v, err := e.Version.GetVersionByTag(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var versionCountCmd = &cobra.Command{
	Use:   "count ID",
	Short: "Print how many versions of an entity exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		count, err := e.Version.GetVersionCount(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(count)
		return nil
	},
}

var versionRestoreCmd = &cobra.Command{
	Use:   "restore ID VERSION_OR_TAG",
	Short: "Overwrite an entity's current state with a saved version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Version.Restore(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("restored")
		return nil
	},
}

var versionCompareCmd = &cobra.Command{
	Use:   "compare ID A B",
	Short: "Diff two saved versions of an entity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[1], err)
		}
		b, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[2], err)
		}
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		diff, err := e.Version.Compare(ctx, args[0], a, b)
		if err != nil {
			return err
		}
		return printJSON(diff)
	},
}

var versionPruneCmd = &cobra.Command{
	Use:   "prune ID",
	Short: "Delete old versions of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		keepRecent, _ := cmd.Flags().GetInt("keep-recent")
		keepTagged, _ := cmd.Flags().GetBool("keep-tagged")

		removed, err := e.Version.Prune(ctx, args[0], vcs.PruneOptions{KeepRecent: keepRecent, KeepTagged: keepTagged})
		if err != nil {
			return err
		}
		fmt.Printf("removed %d versions\n", removed)
		return nil
	},
}

func init() {
	versionSaveCmd.Flags().String("tag", "", "tag for this version")
	versionSaveCmd.Flags().String("description", "", "description for this version")

	versionListCmd.Flags().String("tag", "", "glob pattern to filter by tag")
	versionListCmd.Flags().Int("limit", 0, "maximum versions to return (0 means unbounded)")

	versionPruneCmd.Flags().Int("keep-recent", 0, "always keep this many of the newest versions")
	versionPruneCmd.Flags().Bool("keep-tagged", false, "never prune a version that carries a tag")

	versionCmd.AddCommand(versionSaveCmd, versionListCmd, versionGetCmd, versionGetByTagCmd,
		versionCountCmd, versionRestoreCmd, versionCompareCmd, versionPruneCmd)
}
