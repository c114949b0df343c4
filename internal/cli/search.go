package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/irc"
	"github.com/shinji-kodama/bookfetch/internal/model"
	"github.com/shinji-kodama/bookfetch/internal/results"
)

// onlineCheckTimeout bounds the wait for ISON answers.
const onlineCheckTimeout = 15 * time.Second

// searchFlags holds the flag values for the search command.
type searchFlags struct {
	types    []string // --types: file extensions kept from the results
	minUsers int      // --min-users: minimum number of serving users
	online   bool     // --online: only files served by an online user
}

// NewSearchCommand creates the "search" cobra command.
func NewSearchCommand() *cobra.Command {
	flags := &searchFlags{}

	cmd := &cobra.Command{
		Use:   "search <text>...",
		Short: "Search the ebook channel",
		Long: `Send "@search <text>" to the channel, receive the results archive over
DCC and list the matching files with the users serving them.

Examples:
  bookfetch search frank herbert dune
  bookfetch search --types epub --online dune messiah
  bookfetch search --min-users 2 --json dune`,

		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), flags)
		},
	}

	cmd.Flags().StringSliceVar(&flags.types, "types", nil,
		"File types to keep, e.g. epub,mobi (default: fetcher.file_types)")
	cmd.Flags().IntVar(&flags.minUsers, "min-users", 0, "Only show files offered by at least N users")
	cmd.Flags().BoolVar(&flags.online, "online", false, "Only show files offered by a user that is online")

	return cmd
}

func runSearch(ctx context.Context, w io.Writer, text string, flags *searchFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(flags.types) > 0 {
		cfg.Fetcher.FileTypes = flags.types
	}

	f, err := connectFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	found, err := f.search(ctx, text, flags.online)
	if err != nil {
		return err
	}
	found = results.Filter{MinUsers: flags.minUsers, OnlineOnly: flags.online}.Apply(found)
	return printSearchResults(w, found)
}

// search runs one search and parses the archive. No matches is an empty
// result, not an error. With checkOnline the users are looked up with ISON.
func (f *fetcher) search(ctx context.Context, text string, checkOnline bool) ([]model.SearchResult, error) {
	path, err := f.session.Search(ctx, text)
	if errors.Is(err, irc.ErrNoResults) {
		return []model.SearchResult{}, nil
	}
	if errors.Is(err, irc.ErrDisconnected) {
		return nil, f.lostConnection()
	}
	if err != nil {
		return nil, err
	}

	found, err := f.parser.ProcessArchive(path)
	if err != nil {
		return nil, err
	}
	VerboseLog("Parsed %d results from %s", len(found), path)

	if checkOnline && len(found) > 0 {
		checkCtx, cancel := context.WithTimeout(ctx, onlineCheckTimeout)
		defer cancel()
		online, err := f.session.QueryOnline(checkCtx, results.Users(found))
		if errors.Is(err, irc.ErrDisconnected) {
			return nil, f.lostConnection()
		}
		if err != nil {
			return nil, model.WrapCLIError(model.ExitIRCError, "failed to check which users are online", err)
		}
		results.MarkOnline(found, online)
	}
	return found, nil
}

// searchResultsJSON is the JSON output of the search command.
type searchResultsJSON struct {
	Results []model.SearchResult `json:"results"`
}

func printSearchResults(w io.Writer, found []model.SearchResult) error {
	if IsJSONOutput() {
		if found == nil {
			found = []model.SearchResult{}
		}
		return printJSON(w, searchResultsJSON{Results: found})
	}
	if len(found) == 0 {
		fmt.Fprintln(w, "No results found.")
		return nil
	}
	printTable(w, []string{"#", "FILE", "USERS", "ONLINE"}, resultRows(found),
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft})
	fmt.Fprintln(w, "\nDownload with: bookfetch get <user> <file>")
	return nil
}

// resultRows numbers results from 1 for the text table.
func resultRows(found []model.SearchResult) [][]string {
	rows := make([][]string, 0, len(found))
	for i, r := range found {
		online := "-"
		if len(r.Online) > 0 {
			online = strings.Join(r.Online, ", ")
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			r.Filename,
			strconv.Itoa(len(r.Users)),
			online,
		})
	}
	return rows
}
