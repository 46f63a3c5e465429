package cmd

import (
	"errors"
	"fmt"

	"github.com/addicteduser/papa-chu-discordbot/papachu"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var initChannelID int64

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state store and show the stored channel and confession number",
	Long: "Create the state store (files, database tables or key/value " +
		"store, depending on state.backend) and show what's stored in it. " +
		"With --channel, the confession channel is set as well.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.State == nil || cfg.State.Backend == "" {
			return errors.New(
				"state backend not set (must be one of: file, sqlite, postgres, kv)",
			)
		}

		store, err := papachu.OpenStateStore(
			ctx,
			cfg.State,
			tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{Level: cfg.State.LogLevel}),
		)
		if err != nil {
			return fmt.Errorf("error opening state store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		channels := papachu.NewChannelRegistry(store)
		if initChannelID != 0 {
			if initChannelID < 0 {
				return fmt.Errorf("invalid channel ID: %d", initChannelID)
			}
			if err = channels.Set(ctx, initChannelID); err != nil {
				return fmt.Errorf("error setting channel: %w", err)
			}
			fmt.Fprintf(out, "Confession channel set to %d.\n", initChannelID)
		}

		fmt.Fprintf(out, "State backend: %s\n", cfg.State.Backend)
		if cfg.State.Backend != papachu.StateBackendPostgres {
			location := cfg.State.Location
			if location == "" {
				location = "(default)"
			}
			fmt.Fprintf(out, "State location: %s\n", location)
		}

		channelID, ok, err := channels.Get(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(out, "Confession channel: unreadable (%v)\n", err)
		case !ok:
			fmt.Fprintln(out, "Confession channel: not set (use /set_channel)")
		default:
			fmt.Fprintf(out, "Confession channel: %d\n", channelID)
		}

		// never fail open here, so corrupt state gets reported
		counter := papachu.NewSequenceCounter(store, false, nil)
		n, err := counter.Current(ctx)
		if err != nil {
			fmt.Fprintf(out, "Next confession number: unreadable (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Next confession number: %d\n", n)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().Int64Var(
		&initChannelID,
		"channel",
		0,
		"Set the confession channel to this channel ID",
	)
	rootCmd.AddCommand(initCmd)
}
