package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beaver/internal/convo"
)

func threadsCmd() *cobra.Command {
	var botID string
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect stored conversation threads",
	}
	cmd.PersistentFlags().StringVar(&botID, "bot-id", "", "bot user ID used to label assistant turns")
	cmd.AddCommand(threadsShowCmd(&botID))
	cmd.AddCommand(threadsContextCmd(&botID))
	return cmd
}

func openAssembler(cmd *cobra.Command) (*convo.Assembler, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stores, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	a := convo.NewAssembler(stores.Messages, convo.Options{
		RecentThreads:  cfg.Context.RecentThreads,
		ThreadMessages: cfg.Context.ThreadMessages,
	})
	return a, stores.Close, nil
}

func threadsShowCmd(botID *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <threadID>",
		Short: "Print the transcript of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := openAssembler(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			t, err := a.Transcript(cmd.Context(), args[0], *botID)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("thread %s not found", args[0])
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			}

			fmt.Printf("thread %s (starter %s)", t.ThreadID, t.StarterID)
			if t.AskThread {
				fmt.Print(" [ask]")
			}
			fmt.Println()
			for _, turn := range t.Turns {
				fmt.Printf("%s  %-9s %s: %s\n", turn.CreatedAt.Format("2006-01-02 15:04:05"), turn.Role, turn.UserID, turn.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func threadsContextCmd(botID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "context <channelID>",
		Short: "Print the channel context fragment a mention would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeFn, err := openAssembler(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fragment, err := a.ChannelContext(cmd.Context(), args[0], *botID)
			if err != nil {
				return err
			}
			fmt.Println(fragment)
			return nil
		},
	}
}
