package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/memory"
)

// formatMemories renders stored memories for the terminal.
func formatMemories(docs []memory.Memory) string {
	if len(docs) == 0 {
		return "No memories found.\n"
	}
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "%s  %s\n   created: %s | updated: %s\n",
			d.ID, d.Text, d.CreatedAt.Format("2006-01-02"), d.UpdatedAt.Format("2006-01-02"))
	}
	return b.String()
}

func newMemoriesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Inspect stored memories",
	}

	var usersNS string
	users := &cobra.Command{
		Use:   "users",
		Short: "List users with memories in a namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.store.Users(cmd.Context(), usersNS)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	users.Flags().StringVarP(&usersNS, "namespace", "n", "", "memory namespace")
	_ = users.MarkFlagRequired("namespace")

	var listScope scopeFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			docs, err := memory.Load(cmd.Context(), a.store, listScope.scope())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatMemories(docs))
			return nil
		},
	}
	listScope.register(list)

	var countScope scopeFlags
	count := &cobra.Command{
		Use:   "count",
		Short: "Count a user's memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.store.Count(cmd.Context(), countScope.scope())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	countScope.register(count)

	cmd.AddCommand(users, list, count)
	return cmd
}
