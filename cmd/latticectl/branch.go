package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchForkCmd = &cobra.Command{
	Use:   "fork [NAME]",
	Short: "Fork the current branch into a new copy-on-write branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		created, err := e.Fork(ctx, name)
		if err != nil {
			return err
		}
		fmt.Println(created)
		return nil
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		branches, err := e.ListBranches(ctx)
		if err != nil {
			return err
		}
		for _, b := range branches {
			fmt.Println(b)
		}
		return nil
	},
}

var branchCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the checked-out branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		_ = ctx
		fmt.Println(e.GetCurrentBranch())
		return nil
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		force, _ := cmd.Flags().GetBool("force")
		if err := e.DeleteBranch(ctx, args[0], force); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

func init() {
	branchDeleteCmd.Flags().Bool("force", false, "allow deleting the current branch")
	branchCmd.AddCommand(branchForkCmd, branchListCmd, branchCurrentCmd, branchDeleteCmd)
}
