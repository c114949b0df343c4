// Package irc implements the fetcher's side of an IRC ebook channel: it
// joins the channel, sends search and book requests, and receives the
// answers, which arrive as DCC SEND file transfers.
//
// Only one request is in flight at a time. A search waits for either a
// results archive or a "no matches" notice; a book request waits for the
// file. Book requests always go through the download queue, and the queue
// processor asks the session for the next one whenever it is idle.
package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	ircv4 "gopkg.in/irc.v4"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
	"github.com/shinji-kodama/bookfetch/internal/queue"
)

// WaitState is what the session is waiting for.
type WaitState string

const (
	// Idle means no request is in flight.
	Idle WaitState = ""

	// WaitingSearch means a search was sent and its answer is pending.
	WaitingSearch WaitState = "search"

	// WaitingBook means a book was requested and the file is pending.
	WaitingBook WaitState = "book"
)

// noResultMarkers identify the search bot's notice for an empty search.
var noResultMarkers = []string{"returned no matches", "Sorry"}

var (
	// ErrNoResults is returned by Search when the bot found nothing.
	ErrNoResults = errors.New("search returned no matches")

	// ErrBusy is returned when a request is already in flight.
	ErrBusy = errors.New("another request is in progress")

	// ErrNotConnected is returned when sending before Run was called.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected is returned by waits that were cut short because the
	// connection ended.
	ErrDisconnected = errors.New("disconnected from IRC server")
)

// Sender writes messages to the server. *ircv4.Client satisfies it.
type Sender interface {
	WriteMessage(m *ircv4.Message) error
}

// Recorder stores finished downloads.
type Recorder interface {
	Record(ctx context.Context, entry model.HistoryEntry) error
}

// Options configures a Session.
type Options struct {
	// Nick is the nick to register with.
	Nick string

	// Channel is joined after registration; requests are sent there.
	Channel string

	// Handler is the nick private status messages are sent to.
	Handler string

	// WorkingDir receives every transferred file.
	WorkingDir string

	// Queue holds the book requests.
	Queue *queue.Manager

	// History, if set, records every finished book download.
	History Recorder

	// Dial opens DCC connections. Defaults to a net.Dialer with a 30s
	// timeout.
	Dial DialFunc
}

// searchOutcome is the answer to one Search call.
type searchOutcome struct {
	path string
	err  error
}

// Session is one connection to the channel.
type Session struct {
	opts   Options
	logger *log.Logger

	joined     chan struct{}
	joinedOnce sync.Once
	closed     chan struct{}
	closedOnce sync.Once

	mu         sync.Mutex
	sender     Sender
	ctx        context.Context
	disconnect context.CancelFunc
	nick       string
	waiting    WaitState
	current    model.QueueItem
	searchCh   chan searchOutcome
	cancelXfer context.CancelFunc
	latest     string
	received   int64
	total      int64
	online     map[string]struct{}
	onlineSeen chan struct{}
	connErr    error
}

// NewSession creates a session. Run connects it.
func NewSession(opts Options) *Session {
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	return &Session{
		opts:   opts,
		logger: logging.For("irc"),
		joined: make(chan struct{}),
		closed: make(chan struct{}),
		ctx:    context.Background(),
		nick:   opts.Nick,
		online: make(map[string]struct{}),
	}
}

// SetLogger replaces the component logger.
func (s *Session) SetLogger(l *log.Logger) {
	s.logger = l
}

// Run registers on conn and processes messages until ctx is cancelled, the
// server closes the connection or a "quit" private message arrives.
// Cancellation and "quit" are not errors.
//
// When Run returns, Closed is closed and the request in flight, if any, is
// abandoned: a book is marked failed and a search returns ErrDisconnected.
func (s *Session) Run(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := ircv4.NewClient(conn, ircv4.ClientConfig{
		Nick:          s.opts.Nick,
		User:          s.opts.Nick,
		Name:          "bookfetch",
		PingFrequency: time.Minute,
		PingTimeout:   2 * time.Minute,
		Handler: ircv4.HandlerFunc(func(_ *ircv4.Client, m *ircv4.Message) {
			s.Handle(m)
		}),
	})

	s.mu.Lock()
	s.sender = client
	s.ctx = ctx
	s.disconnect = cancel
	s.mu.Unlock()

	// Unblock the read loop when the session is stopped.
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	err := client.RunContext(ctx)
	s.logger.Info("disconnected from IRC server")
	switch {
	case ctx.Err() != nil:
		err = nil
	case err != nil:
		err = model.WrapCLIError(model.ExitIRCError, "IRC connection failed", err)
	}

	// Closed must be visible before waiters learn their request failed.
	s.mu.Lock()
	s.connErr = err
	s.mu.Unlock()
	s.closedOnce.Do(func() { close(s.closed) })
	s.abandon(ErrDisconnected)
	return err
}

// Closed is closed once Run has returned.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Err returns the error the connection ended with. It is nil while
// connected and after a requested disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// SetSender attaches a sender without running a client.
func (s *Session) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// WaitJoined blocks until the channel has been joined, ctx is done or
// timeout passes. A zero timeout waits for ctx only.
func (s *Session) WaitJoined(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-s.joined:
		return nil
	case <-ctx.Done():
		return model.WrapCLIError(model.ExitIRCError,
			fmt.Sprintf("channel %s not joined", s.opts.Channel), ctx.Err())
	}
}

// Nick returns the nick the server confirmed, or the configured one.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// Handle processes one message from the server.
func (s *Session) Handle(m *ircv4.Message) {
	switch m.Command {
	case "001":
		s.onWelcome(m)
	case "JOIN":
		s.onJoin(m)
	case "303":
		s.onIson(m)
	case "PRIVMSG":
		s.onPrivmsg(m)
	case "NOTICE":
		s.onNotice(m)
	}
}

func (s *Session) onWelcome(m *ircv4.Message) {
	if len(m.Params) > 0 {
		s.mu.Lock()
		s.nick = m.Params[0]
		s.mu.Unlock()
	}
	s.logger.Info("connected", "nick", s.Nick())
	if err := s.send("JOIN", s.opts.Channel); err != nil {
		s.logger.Error("failed to join channel", "channel", s.opts.Channel, "err", err)
	}
}

func (s *Session) onJoin(m *ircv4.Message) {
	if m.Prefix == nil || !strings.EqualFold(m.Prefix.Name, s.Nick()) {
		return
	}
	s.logger.Info("joined channel", "channel", m.Trailing())
	s.joinedOnce.Do(func() { close(s.joined) })
}

func (s *Session) onIson(m *ircv4.Message) {
	online := make(map[string]struct{})
	for _, nick := range strings.Fields(m.Trailing()) {
		online[strings.ToLower(nick)] = struct{}{}
	}
	s.mu.Lock()
	s.online = online
	if s.onlineSeen != nil {
		close(s.onlineSeen)
		s.onlineSeen = nil
	}
	s.mu.Unlock()
	s.logger.Debug("users online", "count", len(online))
}

func (s *Session) onPrivmsg(m *ircv4.Message) {
	if len(m.Params) == 0 {
		return
	}
	target, text := m.Params[0], m.Trailing()
	from := ""
	if m.Prefix != nil {
		from = m.Prefix.Name
	}

	if payload, ok := ParseCTCP(text); ok {
		if strings.EqualFold(target, s.Nick()) {
			s.onCTCP(from, payload)
		}
		return
	}

	if !strings.EqualFold(target, s.Nick()) {
		s.logger.Debug("channel message", "from", from, "text", text)
		return
	}
	s.logger.Info("private message", "from", from, "text", text)
	if text == "quit" {
		s.logger.Info("received quit command")
		s.Disconnect()
	}
}

func (s *Session) onNotice(m *ircv4.Message) {
	if len(m.Params) == 0 || isChannelName(m.Params[0]) {
		return
	}
	text := m.Trailing()
	from := ""
	if m.Prefix != nil {
		from = m.Prefix.Name
	}
	if strings.EqualFold(m.Params[0], s.Nick()) {
		s.logger.Info("private notice", "from", from, "text", text)
	}

	if !isRefusal(text) {
		return
	}
	switch s.State() {
	case WaitingSearch:
		s.finishSearch(searchOutcome{err: ErrNoResults})
	case WaitingBook:
		s.refuseBook(from, text)
	}
}

// isRefusal reports whether a notice says a request cannot be served.
func isRefusal(text string) bool {
	for _, marker := range noResultMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// refuseBook fails the pending book request unless its file is already
// being received.
func (s *Session) refuseBook(from, text string) {
	s.mu.Lock()
	if s.waiting != WaitingBook || s.cancelXfer != nil || s.current.ID == "" {
		s.mu.Unlock()
		return
	}
	item, ctx := s.current, s.ctx
	s.waiting = Idle
	s.current = model.QueueItem{}
	s.mu.Unlock()

	s.logger.Warn("book request refused", "item", item.String(), "from", from, "notice", text)
	s.settleBook(ctx, item.ID, "", 0, false)
}

// isChannelName reports whether target names a channel rather than a nick.
func isChannelName(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

func (s *Session) onCTCP(from, payload string) {
	if !strings.Contains(payload, "SEND") {
		return
	}
	offer, err := ParseDCCSend(payload)
	if err != nil {
		if !errors.Is(err, ErrNotDCCSend) {
			s.logger.Error("invalid DCC SEND", "from", from, "payload", payload, "err", err)
		}
		return
	}
	s.accept(from, offer)
}

// transfer identifies the request a DCC transfer answers, so that a late
// result of a cancelled request is dropped.
type transfer struct {
	kind     WaitState
	itemID   string
	searchCh chan searchOutcome
	path     string
}

// accept starts receiving offer if a request is waiting for a file.
func (s *Session) accept(from string, offer DCCOffer) {
	dest := filepath.Join(s.opts.WorkingDir, offer.Filename)

	s.mu.Lock()
	if s.waiting == Idle {
		s.mu.Unlock()
		s.logger.Warn("ignoring unsolicited DCC SEND", "from", from, "file", offer.Filename)
		return
	}
	if s.cancelXfer != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring DCC SEND during another transfer", "from", from, "file", offer.Filename)
		return
	}
	xfer := transfer{kind: s.waiting, itemID: s.current.ID, searchCh: s.searchCh, path: dest}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelXfer = cancel
	s.latest = dest
	s.total = offer.Size
	s.received = 0
	s.mu.Unlock()

	s.logger.Info("receiving file", "from", from, "file", offer.Filename,
		"size", fmt.Sprintf("%.2f MB", float64(offer.Size)/1024/1024), "dest", dest)

	go func() {
		defer cancel()
		n, err := Receive(ctx, s.opts.Dial, offer, dest, func(received int64) {
			s.mu.Lock()
			s.received = received
			s.mu.Unlock()
		})
		s.finishTransfer(xfer, n, err)
	}()
}

// finishTransfer settles the request a transfer answered.
func (s *Session) finishTransfer(xfer transfer, n int64, err error) {
	s.mu.Lock()
	s.cancelXfer = nil
	s.received, s.total = 0, 0
	stale := s.waiting != xfer.kind ||
		(xfer.kind == WaitingBook && s.current.ID != xfer.itemID) ||
		(xfer.kind == WaitingSearch && s.searchCh != xfer.searchCh)
	s.mu.Unlock()

	if err != nil {
		err = model.WrapCLIError(model.ExitTransferFailed,
			fmt.Sprintf("transfer of %s failed", filepath.Base(xfer.path)), err)
		s.logger.Error("transfer failed", "file", xfer.path, "err", err)
	} else {
		s.logger.Info("received file", "kind", string(xfer.kind), "file", xfer.path, "bytes", n)
	}
	if stale {
		s.logger.Debug("dropping result of a cancelled request", "file", xfer.path)
		return
	}

	switch xfer.kind {
	case WaitingSearch:
		s.finishSearch(searchOutcome{path: xfer.path, err: err})
	case WaitingBook:
		s.finishBook(xfer.itemID, xfer.path, n, err == nil)
	}
}

// finishSearch delivers the outcome of the pending search, if any.
func (s *Session) finishSearch(out searchOutcome) {
	s.mu.Lock()
	if s.waiting != WaitingSearch || s.searchCh == nil {
		s.mu.Unlock()
		return
	}
	ch := s.searchCh
	s.searchCh = nil
	s.waiting = Idle
	s.mu.Unlock()

	if errors.Is(out.err, ErrNoResults) {
		s.logger.Info("no search results found")
	}
	ch <- out
}

// finishBook clears the waiting state first, then settles the queue item.
func (s *Session) finishBook(itemID, path string, n int64, success bool) {
	s.mu.Lock()
	s.waiting = Idle
	s.current = model.QueueItem{}
	ctx := s.ctx
	s.mu.Unlock()

	s.settleBook(ctx, itemID, path, n, success)
}

// settleBook moves the item to the completed list and records it.
func (s *Session) settleBook(ctx context.Context, itemID, path string, n int64, success bool) {
	item, ok := s.opts.Queue.MarkCompleted(itemID, success)
	s.opts.Queue.SetCurrent("")
	if ok {
		s.record(ctx, item, path, n)
	}
}

func (s *Session) record(ctx context.Context, item model.QueueItem, path string, n int64) {
	if s.opts.History == nil {
		return
	}
	entry := model.HistoryEntry{
		User:        item.User,
		Filename:    item.Filename,
		Path:        path,
		Bytes:       n,
		Status:      item.Status,
		CompletedAt: time.Now(),
	}
	if err := s.opts.History.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("failed to record download", "file", item.Filename, "err", err)
	}
}

// Waiting reports whether a request is in flight.
func (s *Session) Waiting() bool {
	return s.State() != Idle
}

// State returns what the session is waiting for.
func (s *Session) State() WaitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Search sends "@search text" to the channel and waits for the answer. It
// returns the path of the received results archive, or ErrNoResults.
func (s *Session) Search(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty search")
	}

	ch := make(chan searchOutcome, 1)
	s.mu.Lock()
	if s.waiting != Idle {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.waiting = WaitingSearch
	s.searchCh = ch
	s.mu.Unlock()

	s.logger.Info("searching", "text", text)
	if err := s.SendChannel("@search " + text); err != nil {
		s.abortSearch(ch)
		return "", err
	}

	select {
	case out := <-ch:
		return out.path, out.err
	case <-s.closed:
		s.abortSearch(ch)
		return "", ErrDisconnected
	case <-ctx.Done():
		s.abortSearch(ch)
		return "", ctx.Err()
	}
}

// abortSearch resets the waiting state if ch is still the pending search.
func (s *Session) abortSearch(ch chan searchOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchCh == ch {
		s.searchCh = nil
		s.waiting = Idle
		if s.cancelXfer != nil {
			s.cancelXfer()
		}
	}
}

// RequestBook enqueues a request for filename from user and sends it right
// away if nothing else is in flight.
func (s *Session) RequestBook(user, filename string) (model.QueueItem, error) {
	item := s.opts.Queue.Add(user, filename)
	if !s.Waiting() {
		if err := s.ProcessQueue(); err != nil {
			return item, err
		}
	}
	return item, nil
}

// ProcessQueue sends the request at the head of the queue if the session
// is idle.
func (s *Session) ProcessQueue() error {
	s.mu.Lock()
	if s.waiting != Idle {
		s.mu.Unlock()
		return nil
	}
	// Reserve the session before touching the queue.
	s.waiting = WaitingBook
	s.mu.Unlock()

	item, ok := s.opts.Queue.PeekNext()
	if !ok {
		s.mu.Lock()
		s.waiting = Idle
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.current = item
	s.mu.Unlock()
	s.opts.Queue.SetCurrent(item.ID)

	if err := s.SendChannel(item.Command); err != nil {
		s.finishBook(item.ID, "", 0, false)
		return err
	}
	return nil
}

// CancelCurrent abandons the request in flight. A book being downloaded is
// marked failed, a pending search returns context.Canceled and a running
// transfer is stopped.
func (s *Session) CancelCurrent() {
	s.abandon(context.Canceled)
}

// abandon drops the request in flight; a pending search returns reason.
func (s *Session) abandon(reason error) {
	s.mu.Lock()
	item, state, ch := s.current, s.waiting, s.searchCh
	s.waiting = Idle
	s.current = model.QueueItem{}
	s.searchCh = nil
	if s.cancelXfer != nil {
		s.cancelXfer()
	}
	ctx := s.ctx
	s.mu.Unlock()

	switch state {
	case WaitingBook:
		if item.ID != "" {
			s.logger.Info("abandoning download", "item", item.String(), "reason", reason)
			s.settleBook(ctx, item.ID, "", 0, false)
		}
	case WaitingSearch:
		if ch != nil {
			s.logger.Info("abandoning search", "reason", reason)
			ch <- searchOutcome{err: reason}
		}
	}
}

// WaitItem blocks until the queue item with the given ID has finished and
// returns its final state. It returns ErrDisconnected if the connection
// ends first.
func (s *Session) WaitItem(ctx context.Context, id string) (model.QueueItem, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := s.opts.Queue.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		for _, it := range s.opts.Queue.Completed() {
			if it.ID == id {
				return it, nil
			}
		}
		select {
		case <-changed:
		case <-s.closed:
			for _, it := range s.opts.Queue.Completed() {
				if it.ID == id {
					return it, nil
				}
			}
			return model.QueueItem{}, ErrDisconnected
		case <-ctx.Done():
			return model.QueueItem{}, ctx.Err()
		}
	}
}

// Progress returns the bytes received and expected by the running transfer
// and the percentage done.
func (s *Session) Progress() (received, total int64, percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total > 0 {
		percent = float64(s.received) / float64(s.total) * 100
	}
	return s.received, s.total, percent
}

// LatestFile returns the path of the most recent transfer.
func (s *Session) LatestFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// CheckUsersOnline asks the server which of users are online. The answer
// replaces UsersOnline when it arrives.
func (s *Session) CheckUsersOnline(users []string) error {
	_, err := s.checkUsersOnline(users)
	return err
}

func (s *Session) checkUsersOnline(users []string) (<-chan struct{}, error) {
	seen := make(chan struct{})
	s.mu.Lock()
	s.online = make(map[string]struct{})
	s.onlineSeen = seen
	s.mu.Unlock()
	if len(users) == 0 {
		return nil, nil
	}
	return seen, s.send("ISON", strings.Join(users, " "))
}

// isonBatchBytes keeps every ISON line well under the 512 byte limit.
const isonBatchBytes = 400

// QueryOnline asks which of users are online and waits for the answers.
// Long lists are split over several ISON queries. Nicks are returned
// lower-cased.
func (s *Session) QueryOnline(ctx context.Context, users []string) ([]string, error) {
	var online []string
	for _, batch := range isonBatches(users) {
		seen, err := s.checkUsersOnline(batch)
		if err != nil {
			return nil, err
		}
		select {
		case <-seen:
			online = append(online, s.UsersOnline()...)
		case <-s.closed:
			return nil, ErrDisconnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return online, nil
}

func isonBatches(users []string) [][]string {
	var (
		batches [][]string
		batch   []string
		size    int
	)
	for _, u := range users {
		if len(batch) > 0 && size+len(u)+1 > isonBatchBytes {
			batches = append(batches, batch)
			batch, size = nil, 0
		}
		batch = append(batch, u)
		size += len(u) + 1
	}
	if len(batch) > 0 {
		batches = append(batches, batch)
	}
	return batches
}

// UsersOnline returns the lower-cased nicks of the last ISON answer.
func (s *Session) UsersOnline() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.online))
	for nick := range s.online {
		out = append(out, nick)
	}
	return out
}

// SendChannel sends text to the channel.
func (s *Session) SendChannel(text string) error {
	s.logger.Info("to channel", "text", text)
	return s.send("PRIVMSG", s.opts.Channel, text)
}

// SendPrivmsg sends text to the handler nick.
func (s *Session) SendPrivmsg(text string) error {
	s.logger.Info("private message to handler", "handler", s.opts.Handler, "text", text)
	return s.send("PRIVMSG", s.opts.Handler, text)
}

// Disconnect ends Run. It is safe to call before Run.
func (s *Session) Disconnect() {
	s.mu.Lock()
	disconnect := s.disconnect
	s.mu.Unlock()
	if disconnect != nil {
		disconnect()
	}
}

func (s *Session) send(command string, params ...string) error {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	if err := sender.WriteMessage(&ircv4.Message{Command: command, Params: params}); err != nil {
		return model.WrapCLIError(model.ExitIRCError, fmt.Sprintf("send %s", command), err)
	}
	return nil
}
