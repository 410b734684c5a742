package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/memory"
)

type scopeFlags struct {
	namespace string
	userID    string
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.namespace, "namespace", "n", "", "memory namespace")
	cmd.Flags().StringVarP(&s.userID, "user", "u", "", "end-user id")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("user")
}

func (s *scopeFlags) scope() memory.Scope {
	return memory.Scope{Namespace: s.namespace, UserID: s.userID}
}

// formatMatches renders ranked matches for the terminal.
func formatMatches(matches []memory.Match) string {
	if len(matches) == 0 {
		return "No memories found.\n"
	}
	var b strings.Builder
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. %s\n   id: %s | score: %.4f\n", i+1, m.Text, m.ID, m.Score)
	}
	return b.String()
}

func newRecallCmd(opts *rootOptions) *cobra.Command {
	var (
		sf       scopeFlags
		topK     int
		fallback bool
	)
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search a user's memories",
		Args:  cobra.MinimumNArgs(1),
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
			if err := a.buildPipeline(cmd.Context()); err != nil {
				return err
			}

			matches, err := a.retriever.Search(cmd.Context(), memory.Query{
				Scope:         sf.scope(),
				Text:          strings.Join(args, " "),
				TopK:          topK,
				ForceFallback: fallback,
			})
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatMatches(matches))
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVarP(&topK, "top-k", "k", memory.DefaultTopK, "number of memories to return")
	cmd.Flags().BoolVar(&fallback, "fallback", false, "rank exhaustively instead of using the index")
	return cmd
}
