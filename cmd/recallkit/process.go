package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/jobs"
)

// parseMessage reads "role:content". A missing or unknown role makes the
// whole string user content.
func parseMessage(s string) core.Message {
	if role, content, ok := strings.Cut(s, ":"); ok {
		r := core.Role(strings.ToLower(strings.TrimSpace(role)))
		if r.Valid() {
			return core.Message{Role: r, Content: strings.TrimSpace(content)}
		}
	}
	return core.Message{Role: core.RoleUser, Content: strings.TrimSpace(s)}
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		sf       scopeFlags
		messages []string
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run the memory job for a conversation and print its result",
		Long:  "process extracts facts from the given messages, reconciles them with the\nuser's memories and persists the changes, all in the foreground.",
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
			if err := a.buildPipeline(cmd.Context()); err != nil {
				return err
			}

			msgs := make([]core.Message, 0, len(messages))
			for _, m := range messages {
				msgs = append(msgs, parseMessage(m))
			}
			rec, err := a.dispatcher.Process(cmd.Context(), jobs.NewProcessEvent(sf.scope(), msgs))
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if rec.State == jobs.StateFailed {
				return fmt.Errorf("job %s failed: %s", rec.ID, rec.Error)
			}
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().StringArrayVarP(&messages, "message", "m", nil, `conversation turn as "role:content" (repeatable)`)
	return cmd
}
