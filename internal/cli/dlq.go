package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// Longest error shown in the dead-letter table.
const (
	deadLetterErrorMaxLen = 60
	deadLetterErrorTrunc  = 57
)

var (
	dlqTenant string
	dlqLimit  int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the execution queue",
	Long: `Inspect the execution queue.

Commands:
  list   List messages that exhausted their delivery attempts
  depth  Count queued messages by status`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE:  runDLQList,
}

var dlqDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Count queued messages by status",
	RunE:  runDLQDepth,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqTenant, "tenant", "", "Only messages of this tenant")
	dlqListCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 50, "Maximum messages to show")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqDepthCmd)

	rootCmd.AddCommand(dlqCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	letters, err := a.queue.ListDeadLetters(cmd.Context(), dlqLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	shown := 0
	for _, dl := range letters {
		if dlqTenant != "" && dl.TenantID != dlqTenant {
			continue
		}
		if shown == 0 {
			fmt.Fprintf(out, "%-36s  %-16s  %-8s  %-19s  %s\n", "EXECUTION", "TENANT", "ATTEMPTS", "FAILED AT", "LAST ERROR")
		}
		lastError := dl.LastError
		if len(lastError) > deadLetterErrorMaxLen {
			lastError = lastError[:deadLetterErrorTrunc] + "..."
		}
		fmt.Fprintf(out, "%-36s  %-16s  %-8d  %-19s  %s\n",
			dl.ExecutionID, dl.TenantID, dl.Attempts, dl.FailedAt.Format("2006-01-02 15:04:05"), lastError)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(out, "No dead-lettered messages.")
	}
	return nil
}

func runDLQDepth(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	depth, err := a.queue.Depth(cmd.Context())
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(depth))
	for status := range depth {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	out := cmd.OutOrStdout()
	for _, status := range statuses {
		fmt.Fprintf(out, "%-10s %d\n", status, depth[status])
	}
	return nil
}
