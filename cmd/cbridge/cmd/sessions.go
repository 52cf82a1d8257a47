package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cbridge/cbridge/internal/registry"
	"github.com/cbridge/cbridge/internal/store"
	"github.com/spf13/cobra"
)

var (
	sessionsStatus     string
	sessionsJSON       bool
	sessionsOlderHours int
)

// sessionsCmd is the parent command for session inspection.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage registered sessions",
	Long: `Inspect and manage the sessions tracked by the registry daemon.

Examples:
  cbridge sessions list
  cbridge sessions list --status active
  cbridge sessions get 3f2a91bc
  cbridge sessions end 3f2a91bc
  cbridge sessions cleanup --older-than 24`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Mark a session ended without archiving its thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsEnd,
}

var sessionsUnregisterCmd = &cobra.Command{
	Use:   "unregister <session-id>",
	Short: "Delete a session record and archive its thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsUnregister,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old ended and crashed session records",
	Long: `Delete ended and crashed records whose last activity is older than the
threshold. Active sessions are never touched. Works directly on the
session store, so it does not need the daemon to be running.`,
	RunE: runSessionsCleanup,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsEndCmd)
	sessionsCmd.AddCommand(sessionsUnregisterCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)

	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (active, idle, ended, crashed)")
	sessionsListCmd.Flags().BoolVar(&sessionsJSON, "json", false, "output machine-readable JSON")
	sessionsGetCmd.Flags().BoolVar(&sessionsJSON, "json", false, "output machine-readable JSON")
	sessionsCleanupCmd.Flags().IntVar(&sessionsOlderHours, "older-than", 0, "age threshold in hours (default: registry.cleanup_after_hours)")
}

// registryClient builds a client for the configured registry socket.
func registryClient() (*registry.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return registry.NewClient(cfg.RegistrySocketPath()), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	client, err := registryClient()
	if err != nil {
		return err
	}

	records, err := client.List(sessionsStatus)
	if err != nil {
		return fmt.Errorf("failed to list sessions (is the registry running?): %w", err)
	}

	if sessionsJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No sessions registered.")
		fmt.Println("\nStart one with: cbridge wrap")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "SESSION\tPROJECT\tSTATUS\tTHREAD\tPID\tLAST ACTIVITY")
	_, _ = fmt.Fprintln(w, "-------\t-------\t------\t------\t---\t-------------")
	for _, rec := range records {
		thread := "-"
		if rec.HasThread() {
			thread = rec.ThreadHandle
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.SessionID,
			rec.Project,
			rec.Status,
			thread,
			rec.WrapperPID,
			formatAge(rec.LastActivity),
		)
	}
	return w.Flush()
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	client, err := registryClient()
	if err != nil {
		return err
	}

	rec, err := client.Get(args[0])
	if err != nil {
		return fmt.Errorf("failed to get session (is the registry running?): %w", err)
	}
	if rec == nil {
		return fmt.Errorf("session not found: %s", args[0])
	}

	if sessionsJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rec)
	}

	printRecord(rec)
	return nil
}

func runSessionsEnd(cmd *cobra.Command, args []string) error {
	client, err := registryClient()
	if err != nil {
		return err
	}

	if err := client.EndSession(args[0]); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	fmt.Printf("Session %s marked ended.\n", args[0])
	return nil
}

func runSessionsUnregister(cmd *cobra.Command, args []string) error {
	client, err := registryClient()
	if err != nil {
		return err
	}

	if err := client.Unregister(args[0]); err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	fmt.Printf("Session %s unregistered.\n", args[0])
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hours := sessionsOlderHours
	if hours <= 0 {
		hours = cfg.Registry.CleanupAfterHours
	}

	st, err := store.Open(cfg.Registry.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer func() { _ = st.Close() }()

	removed, err := st.Cleanup(time.Duration(hours) * time.Hour)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Printf("Removed %d session record(s) older than %dh.\n", removed, hours)
	return nil
}

func printRecord(rec *store.Record) {
	fmt.Printf("Session:        %s\n", rec.SessionID)
	fmt.Printf("Project:        %s\n", rec.Project)
	fmt.Printf("Project dir:    %s\n", rec.ProjectDir)
	fmt.Printf("Terminal:       %s\n", rec.Terminal)
	fmt.Printf("Status:         %s\n", rec.Status)
	fmt.Printf("Socket:         %s\n", rec.SocketPath)
	fmt.Printf("Wrapper PID:    %d\n", rec.WrapperPID)
	fmt.Printf("Thread handle:  %s\n", rec.ThreadHandle)
	fmt.Printf("Channel handle: %s\n", rec.ChannelHandle)
	fmt.Printf("Mirroring:      %t\n", rec.MirroringEnabled)
	fmt.Printf("Created:        %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Last activity:  %s\n", rec.LastActivity.Format(time.RFC3339))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
