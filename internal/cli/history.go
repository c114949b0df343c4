package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/model"
)

// historyFlags holds the flag values for the history command.
type historyFlags struct {
	limit int  // --limit: newest N entries
	clear bool // --clear: delete every entry
}

// NewHistoryCommand creates the "history" cobra command.
func NewHistoryCommand() *cobra.Command {
	flags := &historyFlags{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished downloads",
		Long: `List the downloads finished by get and shell, newest first.

Examples:
  bookfetch history
  bookfetch history --limit 5 --json
  bookfetch history --clear`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.limit, "limit", 20, "Number of entries to show (0 for all)")
	cmd.Flags().BoolVar(&flags.clear, "clear", false, "Delete the whole history")

	return cmd
}

func runHistory(ctx context.Context, w io.Writer, flags *historyFlags) error {
	if flags.limit < 0 {
		return model.NewCLIError(model.ExitGeneralError, "--limit must not be negative")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to open download history", err)
	}
	defer func() { _ = store.Close() }()

	if flags.clear {
		removed, err := store.Clear(ctx)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to clear download history", err)
		}
		if IsJSONOutput() {
			return printJSON(w, map[string]int64{"removed": removed})
		}
		fmt.Fprintf(w, "Removed %d entries.\n", removed)
		return nil
	}

	entries, err := store.List(ctx, flags.limit)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read download history", err)
	}
	printHistory(w, entries)
	return nil
}

// historyJSON is the JSON output of the history command.
type historyJSON struct {
	Downloads []model.HistoryEntry `json:"downloads"`
}

func printHistory(w io.Writer, entries []model.HistoryEntry) {
	if IsJSONOutput() {
		if entries == nil {
			entries = []model.HistoryEntry{}
		}
		_ = printJSON(w, historyJSON{Downloads: entries})
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No downloads yet.")
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CompletedAt.Local().Format("2006-01-02 15:04"),
			e.Status.String(),
			e.User,
			e.Filename,
			formatBytes(e.Bytes),
		})
	}
	printTable(w, []string{"FINISHED", "STATUS", "USER", "FILE", "SIZE"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight})
}
