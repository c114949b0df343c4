package cli

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/bookfetch/internal/config"
	"github.com/shinji-kodama/bookfetch/internal/history"
	"github.com/shinji-kodama/bookfetch/internal/irc"
	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
	"github.com/shinji-kodama/bookfetch/internal/queue"
	"github.com/shinji-kodama/bookfetch/internal/results"
)

// disconnectWait bounds how long Close waits for the IRC read loop.
const disconnectWait = 5 * time.Second

// fetcher is a connected IRC session with its queue, parser and history.
// The search, get and shell commands share it.
type fetcher struct {
	cfg     *config.Config
	session *irc.Session
	queue   *queue.Manager
	parser  *results.Parser
	history *history.Store
	logger  *log.Logger

	stop    context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// connectFetcher dials the IRC server, starts the session and waits until
// the channel is joined.
func connectFetcher(ctx context.Context, cfg *config.Config) (*fetcher, error) {
	logger := logging.For("fetcher")
	workDir, err := cfg.EnsureWorkingDir()
	if err != nil {
		return nil, err
	}

	f := &fetcher{
		cfg:     cfg,
		queue:   queue.NewManager(),
		parser:  results.NewParser(cfg.Fetcher.FileTypes),
		logger:  logger,
		runDone: make(chan struct{}),
	}

	opts := irc.Options{
		Nick:       cfg.IRC.Nick,
		Channel:    cfg.IRC.Channel,
		Handler:    cfg.IRC.Handler,
		WorkingDir: workDir,
		Queue:      f.queue,
	}
	if store, err := openHistory(cfg); err != nil {
		logger.Warn("download history disabled", "err", err)
	} else {
		f.history = store
		opts.History = store
	}
	f.session = irc.NewSession(opts)

	VerboseLog("Connecting to %s as %s", cfg.Address(), cfg.IRC.Nick)
	conn, err := irc.Dial(ctx, cfg.Address(), cfg.IRC.TLS)
	if err != nil {
		f.closeHistory()
		return nil, err
	}
	runCtx, stop := context.WithCancel(ctx)
	f.stop = stop
	go func() {
		defer close(f.runDone)
		f.runErr = f.session.Run(runCtx, conn)
	}()

	if err := f.session.WaitJoined(ctx, cfg.ConnectionWait()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path)
}

// Done is closed once the connection has ended.
func (f *fetcher) Done() <-chan struct{} {
	return f.runDone
}

// Close cancels any request in flight, disconnects and closes the history.
// It returns the error the read loop ended with, if any.
func (f *fetcher) Close() error {
	f.session.CancelCurrent()
	f.stop()

	var runErr error
	select {
	case <-f.runDone:
		runErr = f.runErr
	case <-time.After(disconnectWait):
		runErr = errors.New("timed out waiting for the IRC connection to close")
	}
	f.closeHistory()
	return runErr
}

// lostConnection is the error for a request the connection ended under.
func (f *fetcher) lostConnection() error {
	if err := f.session.Err(); err != nil {
		return err
	}
	return model.WrapCLIError(model.ExitIRCError, "connection to the IRC server closed", irc.ErrDisconnected)
}

func (f *fetcher) closeHistory() {
	if f.history == nil {
		return
	}
	if err := f.history.Close(); err != nil {
		f.logger.Warn("failed to close history", "err", err)
	}
	f.history = nil
}
