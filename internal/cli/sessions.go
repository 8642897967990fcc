package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage reading sessions",
}

func init() {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List incomplete sessions",
		Run:   runSessionsList,
	}
	listCmd.Flags().IntP("limit", "l", 20, "Max results")
	listCmd.Flags().Int("offset", 0, "Pagination offset")

	resumeCmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Fetch a session with its full saved state",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsResume,
	}

	completeCmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a session and create its permanent reading",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsComplete,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsDelete,
	}

	sessionsCmd.AddCommand(listCmd, resumeCmd, completeCmd, deleteCmd)
	RootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	list, err := newClient().ListIncomplete(cmd.Context(), limit, offset)
	if err != nil {
		exitErr("list sessions", err)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("No incomplete sessions.")
		return
	}

	for _, m := range list.Sessions {
		fmt.Printf("%-40s %-12s %-8s %2d cards  %s\n", m.ID, m.SpreadType, m.Status, m.CardCount, m.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("\n%d of %d sessions\n", len(list.Sessions), list.Total)
}

func runSessionsResume(cmd *cobra.Command, args []string) {
	sess, err := newClient().GetSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("resume session", err)
	}
	if sess == nil {
		exitErr("resume session", fmt.Errorf("session %s not found", args[0]))
	}

	b, _ := json.MarshalIndent(sess, "", "  ")
	fmt.Println(string(b))
}

func runSessionsComplete(cmd *cobra.Command, args []string) {
	result, err := newClient().CompleteSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("complete session", err)
	}

	fmt.Printf("Session %s completed. Reading: %s\n", result.Session.ID, result.ReadingID)
}

func runSessionsDelete(cmd *cobra.Command, args []string) {
	if err := newClient().DeleteSession(cmd.Context(), args[0]); err != nil {
		exitErr("delete session", err)
	}
	fmt.Printf("Session %s deleted.\n", args[0])
}
