package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/memory"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the vector index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "recreate",
			Short: "Drop and rebuild the vector index definition",
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
				if a.index == nil {
					return memory.ErrNoIndex
				}
				if err := a.index.Recreate(cmd.Context()); err != nil {
					return fmt.Errorf("recreate index: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Index recreated (%s backend).\n", cfg.Index.Backend)
				return nil
			},
		},
		&cobra.Command{
			Use:   "backfill",
			Short: "Load every stored memory into the in-process index",
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
				if a.syncer == nil {
					return errors.New("backfill needs the chromem index backend")
				}
				n, err := memory.Backfill(cmd.Context(), a.store, a.syncer, a.logger)
				if err != nil {
					return fmt.Errorf("backfill: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d memories.\n", n)
				return nil
			},
		},
	)
	return cmd
}
