package cmd

import (
	"fmt"

	"github.com/addicteduser/papa-chu-discordbot/papachu"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects to discord and starts taking confessions",
		Long: "Connects to discord and starts taking confessions. The admin API " +
			"and interactions webhook server are started too, if enabled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := papachu.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
