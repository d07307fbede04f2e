package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	commitCmd.Flags().String("author", "", "commit author")
	commitCmd.Flags().String("message", "", "commit message")
	_ = commitCmd.MarkFlagRequired("message")

	historyCmd.Flags().Int("limit", 0, "maximum commits to return (0 means unbounded)")
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Flush pending writes and record a commit on the current branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		author, _ := cmd.Flags().GetString("author")
		message, _ := cmd.Flags().GetString("message")

		hash, err := e.Commit(ctx, author, message)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the current branch's commits, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		commits, err := e.GetHistory(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(commits)
	},
}
