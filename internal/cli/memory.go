package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/mnemo/internal/engine"
)

const commandTimeout = 30 * time.Second

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), commandTimeout)
}

// --- save command ---

var (
	saveCategory   string
	saveImportance int
	saveSession    string
	saveTTL        int
	saveTags       []string
)

var saveCmd = &cobra.Command{
	Use:   "save [content]",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSave,
}

func init() {
	saveCmd.Flags().StringVarP(&saveCategory, "category", "c", "", "category (default general)")
	saveCmd.Flags().IntVarP(&saveImportance, "importance", "i", 0, "importance 1-5 (0 scores automatically)")
	saveCmd.Flags().StringVarP(&saveSession, "session", "s", "", "session id")
	saveCmd.Flags().IntVar(&saveTTL, "ttl", 0, "expire after this many hours")
	saveCmd.Flags().StringSliceVarP(&saveTags, "tag", "t", nil, "tag to attach (repeatable)")
}

func runSave(cmd *cobra.Command, args []string) error {
	eng, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	res, degraded, err := eng.Save(ctx, agentID, engine.SaveInput{
		Content:    strings.Join(args, " "),
		Category:   saveCategory,
		Importance: saveImportance,
		SessionID:  saveSession,
		TTLHours:   saveTTL,
	})
	if err != nil {
		return err
	}
	if degraded {
		log.Warn("stored without embedding; run reindex once the provider is back")
	}
	if len(saveTags) > 0 {
		if _, err := eng.AddTags(ctx, agentID, res.ID, saveTags); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved #%d (importance %d)\n", res.ID, res.Importance)
	return nil
}

// --- search command ---

var (
	searchCategory string
	searchHybrid   bool
	searchLimit    int
	searchCursor   string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories",
	Long:  "Rank memories by text match, decay and importance. Use --hybrid to add semantic neighbours.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchCategory, "category", "c", "", "only this category")
	searchCmd.Flags().BoolVar(&searchHybrid, "hybrid", false, "include vector similarity")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "page size")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "continue from a previous page")
}

func runSearch(cmd *cobra.Command, args []string) error {
	eng, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	page, err := eng.Search(ctx, agentID, engine.SearchRequest{
		Query:    strings.Join(args, " "),
		Category: searchCategory,
		Hybrid:   searchHybrid,
		PageSize: searchLimit,
		Cursor:   searchCursor,
	})
	if err != nil {
		return err
	}
	printPage(cmd.OutOrStdout(), page, true)
	return nil
}

// --- timeline command ---

var (
	timelineLimit  int
	timelineCursor string
	timelineHybrid bool
)

var timelineCmd = &cobra.Command{
	Use:   "timeline [subject]",
	Short: "List memories oldest first",
	RunE:  runTimeline,
}

func init() {
	timelineCmd.Flags().IntVarP(&timelineLimit, "limit", "n", 0, "page size")
	timelineCmd.Flags().StringVar(&timelineCursor, "cursor", "", "continue from a previous page")
	timelineCmd.Flags().BoolVar(&timelineHybrid, "hybrid", false, "include semantic neighbours of the subject")
}

func runTimeline(cmd *cobra.Command, args []string) error {
	eng, closeAll, err := openEngine()
	if err != nil {
		return err
	}
	defer closeAll()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	page, err := eng.Timeline(ctx, agentID, engine.TimelineRequest{
		Subject:  strings.Join(args, " "),
		Hybrid:   timelineHybrid,
		PageSize: timelineLimit,
		Cursor:   timelineCursor,
	})
	if err != nil {
		return err
	}
	printPage(cmd.OutOrStdout(), page, false)
	return nil
}

func printPage(w io.Writer, page *engine.Page, scored bool) {
	if len(page.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range page.Results {
		created := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04")
		if scored {
			fmt.Fprintf(w, "%d. [%.3f] #%d %s\n", i+1, r.Score, r.ID, created)
		} else {
			fmt.Fprintf(w, "%d. #%d %s\n", i+1, r.ID, created)
		}
		fmt.Fprintf(w, "   %s [%s, importance %d]\n", preview(r.Content, 200), r.Category, r.Importance)
	}
	if page.Degraded {
		fmt.Fprintln(w, "\n(semantic results unavailable; text matches only)")
	}
	if page.HasMore {
		fmt.Fprintf(w, "\nmore: --cursor %s\n", page.NextCursor)
	}
}

// preview shortens s to n runes.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
