package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// mirrorCmd toggles output mirroring for a session.
var mirrorCmd = &cobra.Command{
	Use:   "mirror <session-id> on|off",
	Short: "Toggle response mirroring for a session",
	Long: `Enable or disable mirroring of completed responses into a session's
chat thread. Reply injection keeps working either way; only the
outbound copy of responses is affected.

Examples:
  cbridge mirror 3f2a91bc off
  cbridge mirror 3f2a91bc on`,
	Args: cobra.ExactArgs(2),
	RunE: runMirror,
}

func runMirror(cmd *cobra.Command, args []string) error {
	var enabled bool
	switch args[1] {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return fmt.Errorf("invalid mirroring state %q (want on or off)", args[1])
	}

	client, err := registryClient()
	if err != nil {
		return err
	}

	rec, err := client.SetMirroring(args[0], enabled)
	if err != nil {
		return fmt.Errorf("failed to set mirroring: %w", err)
	}

	fmt.Printf("Mirroring for %s is now %s.\n", rec.SessionID, args[1])
	return nil
}
