package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/watzon/herald/internal/kbsync"
	"github.com/watzon/herald/internal/retrieval"
)

var (
	docsTenant    string
	docsAssistant string
	docsSource    string
	docsTitle     string
	docsPatterns  []string
	docsWatch     bool
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage knowledge base documents",
	Long: `Manage the knowledge base the content pipeline retrieves from.

Documents without an assistant are shared by every assistant of the tenant.`,
}

var docsAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Index a single file",
	Long: `Index a single file ('-' for stdin). HTML markup is stripped before the
document is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocsAdd,
}

var docsSyncCmd = &cobra.Command{
	Use:   "sync <dir>",
	Short: "Mirror a directory into the knowledge base",
	Long: `Index every matching file under a directory. Each file replaces the
documents previously indexed from the same relative path, so re-running a sync
updates rather than duplicates.

With --watch the directory keeps being watched after the initial sync: changed
files are reindexed and deleted files are removed.

Patterns are globs matched against slash-separated relative paths, where '**'
crosses directories. The default selects Markdown, text and HTML files.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocsSync,
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsDelete,
}

func init() {
	for _, c := range []*cobra.Command{docsAddCmd, docsSyncCmd, docsDeleteCmd} {
		c.Flags().StringVar(&docsTenant, "tenant", "", "Tenant ID")
		_ = c.MarkFlagRequired("tenant")
	}
	for _, c := range []*cobra.Command{docsAddCmd, docsSyncCmd} {
		c.Flags().StringVar(&docsAssistant, "assistant", "", "Assistant ID (empty shares with every assistant)")
	}
	docsAddCmd.Flags().StringVar(&docsSource, "source", "", "Source name (default: the file name)")
	docsAddCmd.Flags().StringVar(&docsTitle, "title", "", "Title (default: first heading or file name)")
	docsSyncCmd.Flags().StringSliceVar(&docsPatterns, "pattern", nil, "File patterns to index (repeatable)")
	docsSyncCmd.Flags().BoolVarP(&docsWatch, "watch", "w", false, "Keep watching for changes")

	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsSyncCmd)
	docsCmd.AddCommand(docsDeleteCmd)

	rootCmd.AddCommand(docsCmd)
}

func runDocsAdd(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := readInput(path)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	source := docsSource
	if source == "" {
		source = filepath.Base(path)
		if path == "-" {
			source = "stdin"
		}
	}
	title := docsTitle
	if title == "" {
		title = kbsync.Title(source, string(data))
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	doc := &retrieval.Document{
		TenantID:    docsTenant,
		AssistantID: docsAssistant,
		Source:      source,
		Title:       title,
		Content:     string(data),
	}
	if err := a.documents.Add(cmd.Context(), doc); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Document %s indexed (%s).\n", doc.ID, doc.Title)
	return nil
}

func runDocsSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	syncer, err := kbsync.New(a.documents, kbsync.Config{
		Dir:         args[0],
		TenantID:    docsTenant,
		AssistantID: docsAssistant,
		Patterns:    docsPatterns,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stats, err := syncer.SyncAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d file(s), skipped %d, failed %d.\n", stats.Indexed, stats.Skipped, stats.Failed)

	if !docsWatch {
		return nil
	}
	go waitForSignal(cancel)
	return syncer.Watch(ctx)
}

func runDocsDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.documents.Delete(cmd.Context(), docsTenant, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Document %s deleted.\n", args[0])
	return nil
}
