package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPromptCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Show or change the system prompt",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the system prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), store.SystemPrompt())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <prompt>...",
		Short: "Replace the system prompt; new and cleared conversations use it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return store.SetSystemPrompt(strings.Join(args, " "))
		},
	})
	return cmd
}
