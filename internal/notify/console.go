package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/C4ne/merge2users/internal/merge"
)

// ConsoleSink prints one line per signal for an operator watching the run.
// Tables without changes are only printed in verbose mode.
type ConsoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool

	successStyle lipgloss.Style
	errStyle     lipgloss.Style
	dimStyle     lipgloss.Style
	titleStyle   lipgloss.Style
}

var _ merge.Sink = (*ConsoleSink)(nil)

// NewConsoleSink creates a console sink writing to w. Colors follow w's
// terminal capabilities.
func NewConsoleSink(w io.Writer, verbose bool) *ConsoleSink {
	r := lipgloss.NewRenderer(w)
	return &ConsoleSink{
		w:            w,
		verbose:      verbose,
		successStyle: r.NewStyle().Foreground(lipgloss.Color("82")),
		errStyle:     r.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:     r.NewStyle().Foreground(lipgloss.Color("241")),
		titleStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
	}
}

func (s *ConsoleSink) println(style lipgloss.Style, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, style.Render(fmt.Sprintf(format, args...)))
}

func (s *ConsoleSink) TableSucceeded(_ context.Context, _ *merge.RunContext, table string, result merge.TableResult) {
	if !result.Changed() {
		if s.verbose {
			s.println(s.dimStyle, "Nothing to merge in table %s", table)
		}
		return
	}
	s.println(s.successStyle, "Successfully merged table %s (%d deleted, %d updated)", table, result.RowsDeleted, result.RowsUpdated)
}

func (s *ConsoleSink) TableFailed(_ context.Context, _ *merge.RunContext, table string, err error) {
	s.println(s.errStyle, "Failed to merge table %s: %v", table, err)
}

func (s *ConsoleSink) TransactionSucceeded(context.Context, *merge.RunContext) {
	s.println(s.successStyle, "The transaction was committed successfully")
}

func (s *ConsoleSink) TransactionFailed(_ context.Context, _ *merge.RunContext, err error) {
	s.println(s.errStyle, "The transaction could not be committed successfully: %v", err)
}

func (s *ConsoleSink) MergeSucceeded(_ context.Context, run *merge.RunContext, baseID, mergeID int64) {
	if run.DryRun {
		s.println(s.titleStyle, "Dry run: the transaction was rolled back successfully")
	}
	s.println(s.successStyle, "Succeeded to merge user id %d into user id %d", mergeID, baseID)
}

func (s *ConsoleSink) MergeFailed(_ context.Context, _ *merge.RunContext, baseID, mergeID int64, err error) {
	s.println(s.errStyle, "Failed to merge user id %d into user id %d: %v", mergeID, baseID, err)
	s.println(s.dimStyle, "Aborting merge process")
}
