package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/groupbot/internal/registry"
)

func newGroupsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage the watched group list",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the watched groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			for _, g := range store.Groups() {
				fmt.Fprintln(cmd.OutOrStdout(), g)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Add a group; a running bot picks it up on restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			reg := registry.New(nil, store, store.Groups(), log)
			if err := reg.Add(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			reg := registry.New(nil, store, store.Groups(), log)
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})
	return cmd
}
