package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bookfetch/internal/irc"
	"github.com/shinji-kodama/bookfetch/internal/model"
	"github.com/shinji-kodama/bookfetch/internal/queue"
	"github.com/shinji-kodama/bookfetch/internal/results"
)

// NewShellCommand creates the "shell" cobra command: an interactive
// console that keeps the connection open, searches, and works through a
// download queue in the background.
func NewShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive search and download console",
		Long: `Connect to the ebook channel and read commands from standard input.
Requested books are queued and downloaded one at a time in the background.

Type "help" in the console for the command list.`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runShell(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := connectFetcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processor := queue.NewProcessor(f.queue, f.session, cfg.QueueInterval())
	go processor.Run(ctx)

	c := newConsole(in, out, f.session, f.queue, f.search)
	c.prompt = isTerminal(in) && isTerminal(out)
	c.disconnected = f.Done()
	if err := c.run(ctx); err != nil {
		return err
	}
	return f.Close()
}

// consoleSession is the part of irc.Session the console drives.
type consoleSession interface {
	RequestBook(user, filename string) (model.QueueItem, error)
	CancelCurrent()
	State() irc.WaitState
	Progress() (received, total int64, percent float64)
	SendPrivmsg(text string) error
}

// searchFunc runs a search; online asks for ISON data as well.
type searchFunc func(ctx context.Context, text string, online bool) ([]model.SearchResult, error)

// console is the read-eval loop behind "bookfetch shell".
type console struct {
	in      io.Reader
	out     *syncWriter
	session consoleSession
	queue   *queue.Manager
	search  searchFunc

	prompt       bool
	disconnected <-chan struct{}

	// found is the last search; shown is found after the filter.
	found  []model.SearchResult
	shown  []model.SearchResult
	filter results.Filter

	// stopSearch is set while a search runs; its answer arrives on
	// searchDone.
	stopSearch context.CancelFunc
	searchDone chan searchReply

	mu       sync.Mutex
	reported int
}

func newConsole(in io.Reader, out io.Writer, session consoleSession, q *queue.Manager, search searchFunc) *console {
	return &console{
		in:      in,
		out:     &syncWriter{w: out},
		session: session,
		queue:   q,
		search:  search,

		searchDone: make(chan searchReply, 1),
	}
}

// searchReply is the outcome of a background search.
type searchReply struct {
	text  string
	found []model.SearchResult
	err   error
}

// syncWriter serialises writes from the command loop and queue observers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// errQuit ends the loop without an error.
var errQuit = errors.New("quit")

// run reads commands until quit, end of input, ctx cancellation or the
// server closing the connection.
func (c *console) run(ctx context.Context) error {
	unsubscribe := c.queue.Subscribe(c.reportFinished)
	defer unsubscribe()
	defer func() {
		if c.stopSearch != nil {
			c.stopSearch()
		}
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(c.out, `Connected. Type "help" for commands.`)
	for {
		if c.prompt {
			fmt.Fprint(c.out, "bookfetch> ")
		}
		select {
		case line := <-lines:
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		case reply := <-c.searchDone:
			c.showSearch(reply)
		case err := <-readErr:
			return err
		case <-c.disconnected:
			fmt.Fprintln(c.out, "Disconnected.")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// reportFinished prints items that reached the completed list since the
// last call.
func (c *console) reportFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.queue.Completed()
	if c.reported > len(done) {
		c.reported = len(done)
	}
	for ; c.reported < len(done); c.reported++ {
		it := done[c.reported]
		fmt.Fprintf(c.out, "\n%s: %s\n", it.Status, it.String())
	}
}

// exec runs one console command.
func (c *console) exec(ctx context.Context, line string) error {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "":
		return nil
	case "help", "?":
		c.help()
	case "quit", "exit":
		return errQuit
	case "search", "s":
		return c.doSearch(ctx, rest)
	case "filter", "f":
		return c.doFilter(rest)
	case "results", "r":
		c.printResults()
	case "get", "g":
		return c.doGet(rest)
	case "queue", "q":
		c.printQueue()
	case "up", "down", "rm":
		return c.doMove(strings.ToLower(name), rest)
	case "clear":
		c.queue.Clear()
		fmt.Fprintln(c.out, "Queue cleared.")
	case "cancel":
		if c.stopSearch != nil {
			c.stopSearch()
			fmt.Fprintln(c.out, "Cancelling search...")
			return nil
		}
		c.session.CancelCurrent()
		fmt.Fprintln(c.out, "Cancelled.")
	case "status":
		c.printStatus()
	case "msg":
		if rest == "" {
			return errors.New("usage: msg <text>")
		}
		return c.session.SendPrivmsg(rest)
	default:
		return fmt.Errorf("unknown command %q (type help)", name)
	}
	return nil
}

func (c *console) help() {
	fmt.Fprint(c.out, `Commands:
  search <text>        search the channel
  filter <text>        show results whose name contains text
  filter users <n>     show results offered by at least n users
  filter online        show results offered by an online user
  filter off           clear the filter
  results              show the current results
  get <n>              queue result n for download
  queue                show the download queue
  up|down|rm <n>       move or remove queue entry n
  clear                empty the queue
  cancel               stop the running search, or the download
  status               show queue and transfer progress
  msg <text>           message the channel handler
  quit                 disconnect and exit
`)
}

// doSearch starts a search in the background. Commands keep being read
// while it runs; the results are shown when they arrive.
func (c *console) doSearch(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("usage: search <text>")
	}
	if c.stopSearch != nil {
		return errors.New("a search is already running (cancel it first)")
	}
	searchCtx, stop := context.WithCancel(ctx)
	c.stopSearch = stop
	fmt.Fprintf(c.out, "Searching for %q...\n", text)
	go func() {
		found, err := c.search(searchCtx, text, true)
		c.searchDone <- searchReply{text: text, found: found, err: err}
	}()
	return nil
}

// showSearch takes in the answer of the running search.
func (c *console) showSearch(reply searchReply) {
	c.stopSearch()
	c.stopSearch = nil
	switch {
	case errors.Is(reply.err, context.Canceled):
		fmt.Fprintf(c.out, "Search for %q cancelled.\n", reply.text)
		return
	case reply.err != nil:
		fmt.Fprintf(c.out, "error: search for %q failed: %v\n", reply.text, reply.err)
		return
	}
	c.found = reply.found
	c.applyFilter()
	c.printResults()
}

func (c *console) doFilter(arg string) error {
	fields := strings.Fields(arg)
	switch {
	case len(fields) == 0 || (len(fields) == 1 && strings.EqualFold(fields[0], "off")):
		c.filter = results.Filter{}
	case strings.EqualFold(fields[0], "users"):
		if len(fields) != 2 {
			return errors.New("usage: filter users <n>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid user count %q", fields[1])
		}
		c.filter.MinUsers = n
	case len(fields) == 1 && strings.EqualFold(fields[0], "online"):
		c.filter.OnlineOnly = true
	default:
		c.filter.Query = arg
	}
	c.applyFilter()
	c.printResults()
	return nil
}

func (c *console) applyFilter() {
	c.shown = c.filter.Apply(c.found)
}

func (c *console) printResults() {
	if len(c.found) == 0 {
		fmt.Fprintln(c.out, "No results.")
		return
	}
	if len(c.shown) == 0 {
		fmt.Fprintf(c.out, "No results match the filter (%d hidden).\n", len(c.found))
		return
	}
	printTable(c.out, []string{"#", "FILE", "USERS", "ONLINE"}, resultRows(c.shown),
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft})
	if hidden := len(c.found) - len(c.shown); hidden > 0 {
		fmt.Fprintf(c.out, "%d of %d results shown.\n", len(c.shown), len(c.found))
	}
}

// parseIndex turns a 1-based argument into a 0-based index below n.
func parseIndex(arg string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", arg)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("%d is out of range (1-%d)", i, n)
	}
	return i - 1, nil
}

func (c *console) doGet(arg string) error {
	if len(c.shown) == 0 {
		return errors.New("no results to pick from; search first")
	}
	i, err := parseIndex(arg, len(c.shown))
	if err != nil {
		return err
	}
	r := c.shown[i]
	item, err := c.session.RequestBook(results.PreferredUser(r), r.Filename)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Queued %s\n", item.String())
	return nil
}

func (c *console) doMove(op, arg string) error {
	size := c.queue.Size()
	if size == 0 {
		return errors.New("queue is empty")
	}
	i, err := parseIndex(arg, size)
	if err != nil {
		return err
	}
	if op == "rm" {
		items := c.queue.Items()
		if cur, busy := c.queue.Current(); busy && i < len(items) && items[i].ID == cur.ID {
			return fmt.Errorf("entry %d is being downloaded; use cancel", i+1)
		}
	}
	var ok bool
	switch op {
	case "up":
		ok = c.queue.MoveUp(i)
	case "down":
		ok = c.queue.MoveDown(i)
	case "rm":
		ok = c.queue.Remove(i)
	}
	if !ok {
		return fmt.Errorf("cannot %s entry %d", op, i+1)
	}
	c.printQueue()
	return nil
}

func (c *console) printQueue() {
	items := c.queue.Items()
	if len(items) == 0 {
		fmt.Fprintln(c.out, "Queue is empty.")
		return
	}
	rows := make([][]string, 0, len(items))
	for i, it := range items {
		rows = append(rows, []string{strconv.Itoa(i + 1), it.Filename, it.User, it.Status.String()})
	}
	printTable(c.out, []string{"#", "FILE", "USER", "STATUS"}, rows,
		[]columnAlignment{alignRight})
}

func (c *console) printStatus() {
	fmt.Fprintln(c.out, c.queue.Status())
	switch c.session.State() {
	case irc.WaitingSearch:
		fmt.Fprintln(c.out, "Waiting for search results.")
	case irc.WaitingBook:
		if cur, ok := c.queue.Current(); ok {
			fmt.Fprintf(c.out, "Downloading %s\n", cur.String())
		}
		if received, total, percent := c.session.Progress(); total > 0 {
			fmt.Fprintf(c.out, "Progress: %s / %s (%.1f%%)\n", formatBytes(received), formatBytes(total), percent)
		}
	default:
		fmt.Fprintln(c.out, "Idle.")
	}
}
