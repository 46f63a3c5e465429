package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/addicteduser/papa-chu-discordbot/papachu"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password for use as api.admin_password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		if len(password) == 0 {
			return errors.New("password can't be empty")
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("error reading password: %w", err)
		}
		if string(password) != string(confirm) {
			return errors.New("passwords do not match")
		}

		hash, err := papachu.HashPassword(string(password))
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}
		fmt.Fprintln(out, "Set this as api.admin_password (PAPACHU_API_ADMIN_PASSWORD):")
		fmt.Fprintln(out, hash)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
