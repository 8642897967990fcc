package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"wasteland-tarot/internal/models"
	"wasteland-tarot/internal/session"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sync <file>",
		Short: "Push offline session edits to the server",
		Long:  "Reads a JSON file of sessions edited while offline and reconciles each with the server. Conflicts are resolved per field with the chosen strategy, or reported and skipped when no strategy is given.",
		Args:  cobra.ExactArgs(1),
		Run:   runSync,
	}

	cmd.Flags().StringP("strategy", "s", "", "Conflict resolution: last-write-wins, server-wins, or client-wins")

	RootCmd.AddCommand(cmd)
}

func runSync(cmd *cobra.Command, args []string) {
	strategy, _ := cmd.Flags().GetString("strategy")

	data, err := os.ReadFile(args[0])
	if err != nil {
		exitErr("read sessions file", err)
	}

	var sessions []models.ReadingSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		exitErr("parse sessions file", err)
	}

	client := newClient()
	synced, conflicted, failed := 0, 0, 0

	for _, local := range sessions {
		resp, err := client.SyncSession(cmd.Context(), models.OfflineSessionSync{Session: local.StripClientFlags()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", local.ID, err)
			failed++
			continue
		}

		if resp.Status != "conflict" {
			fmt.Printf("✓ %s synced\n", local.ID)
			synced++
			continue
		}

		if strategy == "" {
			fmt.Printf("! %s conflicts on %d field(s); rerun with --strategy to resolve\n", local.ID, len(resp.Conflicts))
			for _, c := range resp.Conflicts {
				fmt.Printf("    %s: server %s / client %s\n", c.Field, c.ServerUpdatedAt.Format("15:04:05"), c.ClientUpdatedAt.Format("15:04:05"))
			}
			conflicted++
			continue
		}

		merged, err := session.ResolveConflicts(strategy, resp.Conflicts, resp.Session, &local)
		if err != nil {
			exitErr("resolve conflicts", err)
		}

		retry, err := client.SyncSession(cmd.Context(), models.OfflineSessionSync{Session: merged.StripClientFlags()})
		if err != nil || retry.Status == "conflict" {
			fmt.Fprintf(os.Stderr, "✗ %s: resolution did not converge\n", local.ID)
			failed++
			continue
		}

		fmt.Printf("✓ %s synced after %s resolution\n", local.ID, strategy)
		synced++
	}

	fmt.Printf("\n%d synced, %d conflicted, %d failed\n", synced, conflicted, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
