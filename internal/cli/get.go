package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/irc"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// NewGetCommand creates the "get" cobra command, which downloads one book
// and exits.
func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <user> <file>...",
		Short: "Download one book from a user",
		Long: `Request a file from a user serving it in the channel and wait for the
DCC transfer to finish. The user and file are the ones listed by search.

Examples:
  bookfetch get Bsk "Frank Herbert - Dune.epub"
  bookfetch get Bsk Frank Herbert - Dune.epub`,

		Args: cobra.MinimumNArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "))
		},
	}
}

// getResultJSON is the JSON output of the get command.
type getResultJSON struct {
	ID       string `json:"id"`
	User     string `json:"user"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Path     string `json:"path,omitempty"`
}

func runGet(ctx context.Context, w io.Writer, user, filename string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := connectFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	item, err := f.session.RequestBook(strings.TrimPrefix(user, "!"), filename)
	if err != nil {
		return err
	}
	VerboseLog("Requested %s", item.Command)

	done, err := waitDownload(ctx, f.session, item.ID)
	if err != nil {
		if errors.Is(err, irc.ErrDisconnected) {
			return f.lostConnection()
		}
		return err
	}

	out := getResultJSON{
		ID:       done.ID,
		User:     done.User,
		Filename: done.Filename,
		Status:   done.Status.String(),
	}
	if done.Status == model.StatusCompleted {
		out.Path = f.session.LatestFile()
	}
	if IsJSONOutput() {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else if done.Status == model.StatusCompleted {
		fmt.Fprintf(w, "Downloaded %s\n", out.Path)
	}
	if done.Status != model.StatusCompleted {
		return model.NewCLIError(model.ExitTransferFailed,
			fmt.Sprintf("download of %s from %s failed", done.Filename, done.User))
	}
	return nil
}

// waitDownload waits for a requested book. A failure caused by the
// connection ending is reported as irc.ErrDisconnected.
func waitDownload(ctx context.Context, s *irc.Session, id string) (model.QueueItem, error) {
	done, err := s.WaitItem(ctx, id)
	if errors.Is(err, irc.ErrDisconnected) {
		return model.QueueItem{}, err
	}
	if err != nil {
		return model.QueueItem{}, model.WrapCLIError(model.ExitInterrupted, "download cancelled", err)
	}
	if done.Status != model.StatusCompleted {
		select {
		case <-s.Closed():
			return done, irc.ErrDisconnected
		default:
		}
	}
	return done, nil
}
