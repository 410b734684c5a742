package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/EAbdou1/recallkit/chat"
	"github.com/EAbdou1/recallkit/client"
	"github.com/EAbdou1/recallkit/config"
	"github.com/EAbdou1/recallkit/core"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		serverURL string
		apiKey    string
		userID    string
		model     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with Claude using a running server's memories",
		Long:  "chat reads lines from stdin, recalls memories for each turn through the\nserver's HTTP API and prints Claude's reply. Every turn is also processed\ninto memories by the server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = os.Getenv("RECALL_API_KEY")
			}
			llmKey := os.Getenv("ANTHROPIC_API_KEY")
			if cfg.LLM.Provider == config.ProviderAnthropic && cfg.LLM.APIKey != "" {
				llmKey = cfg.LLM.APIKey
			}

			logger := newCLILogger(cfg)
			claude := anthropic.NewClient(option.WithAPIKey(llmKey))
			engine := chat.NewEngine(&claude,
				chat.WithRecaller(client.New(serverURL, apiKey)),
				chat.WithLogger(logger),
			)
			return chatLoop(cmd, engine, userID, model)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "RecallKit HTTP address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "developer API key (default $RECALL_API_KEY)")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "end-user id")
	cmd.Flags().StringVar(&model, "model", "", "Claude model")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func chatLoop(cmd *cobra.Command, engine *chat.Engine, userID, model string) error {
	var history []core.Message
	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprint(out, "> ")
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}
		history = append(history, core.Message{Role: core.RoleUser, Content: line})

		res, err := engine.Run(cmd.Context(), chat.Input{UserID: userID, Messages: history, Model: model})
		if err != nil {
			// drop the turn so the next one starts from a consistent history
			history = history[:len(history)-1]
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			fmt.Fprint(out, "> ")
			continue
		}
		history = append(history, core.Message{Role: core.RoleAssistant, Content: res.Text})
		fmt.Fprintf(out, "%s\n> ", res.Text)
	}
	fmt.Fprintln(out)
	return in.Err()
}
