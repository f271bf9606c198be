// Command agentstream-tui is a terminal chat client for an agentstream
// server.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/agent-stream/backend/internal/tui/app"
	"github.com/agent-stream/backend/internal/tui/client"
)

var (
	wsURL string
	agent string
)

var rootCmd = &cobra.Command{
	Use:           "agentstream-tui",
	Short:         "Chat with an agentstream server from the terminal",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		engineName := ""
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		if h, err := client.NewHTTPClient(client.HTTPBase(wsURL)).Health(ctx); err == nil {
			engineName = h.Engine
		}

		m := app.New(client.NewChatClient(wsURL), engineName, agent)
		p := tea.NewProgram(m, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&wsURL, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the agentstream server")
	rootCmd.Flags().StringVarP(&agent, "agent", "a", "", "Agent or script every message is addressed to")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
