// Package results turns the search result archives sent by the channel's
// search bot into a list of files and the users that serve them.
//
// A search answer arrives as a zip archive holding a single text file. Every
// line of interest has the form
//
//	!user Some Author - Some Title.epub ::INFO:: 1.2MB
//
// and is reduced to the pair (user, filename). Lines for other file types,
// chat noise and the header are skipped.
package results

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// maxLineSize bounds a single results line. Real lines are well under 1 KiB.
const maxLineSize = 1 << 20

// ErrMultipleMembers is returned when a results archive holds more than one
// file. The search bot always sends exactly one.
var ErrMultipleMembers = errors.New("results archive contains more than one file")

// ErrEmptyArchive is returned when a results archive holds no file.
var ErrEmptyArchive = errors.New("results archive is empty")

// Parser extracts search results for a set of file types.
type Parser struct {
	types  []string
	logger *log.Logger
}

// NewParser creates a Parser that keeps lines mentioning any of types
// ("epub", ".mobi"; case and leading dots are ignored). An empty list keeps
// every line.
func NewParser(types []string) *Parser {
	p := &Parser{logger: logging.For("results")}
	for _, t := range types {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if t != "" && !slices.Contains(p.types, t) {
			p.types = append(p.types, t)
		}
	}
	return p
}

// SetLogger replaces the component logger.
func (p *Parser) SetLogger(l *log.Logger) {
	p.logger = l
}

// Types returns the normalized file types the parser keeps.
func (p *Parser) Types() []string {
	return slices.Clone(p.types)
}

// ProcessArchive extracts the results archive at path and parses the
// extracted file. Failures carry model.ExitResultsInvalid.
func (p *Parser) ProcessArchive(path string) ([]model.SearchResult, error) {
	p.logger.Info("unzipping search results", "archive", path)
	extracted, err := Extract(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitResultsInvalid,
			fmt.Sprintf("cannot read search results %s", path), err)
	}

	p.logger.Info("parsing search results", "file", extracted)
	res, err := p.ParseFile(extracted)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitResultsInvalid,
			fmt.Sprintf("cannot parse search results %s", extracted), err)
	}
	p.logger.Info("search results parsed", "unique", len(res))
	return res, nil
}

// Extract writes the single member of the zip archive at path next to it,
// named after the archive without its extension, and returns that path.
func Extract(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	switch len(zr.File) {
	case 0:
		return "", ErrEmptyArchive
	case 1:
	default:
		return "", fmt.Errorf("%w (%d files)", ErrMultipleMembers, len(zr.File))
	}

	dest := strings.TrimSuffix(path, filepath.Ext(path))
	if dest == path {
		dest = path + ".txt"
	}

	src, err := zr.File[0].Open()
	if err != nil {
		return "", fmt.Errorf("open %s in archive: %w", zr.File[0].Name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("extract %s: %w", zr.File[0].Name, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// ParseFile parses an extracted results file.
func (p *Parser) ParseFile(path string) ([]model.SearchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads results lines from r and returns one SearchResult per
// distinct filename, sorted by filename, each with its sorted users.
// Invalid UTF-8 is replaced rather than rejected.
func (p *Parser) Parse(r io.Reader) ([]model.SearchResult, error) {
	available := make(map[string]map[string]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.ToValidUTF8(sc.Text(), "�")
		if !p.wanted(line) {
			continue
		}
		user, filename, ok := ParseLine(line)
		if !ok {
			p.logger.Debug("skipping unparsable line", "line", strings.TrimSpace(line))
			continue
		}
		users, found := available[filename]
		if !found {
			users = make(map[string]struct{})
			available[filename] = users
		}
		users[user] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]model.SearchResult, 0, len(available))
	for filename, users := range available {
		res := model.SearchResult{Filename: filename, Users: make([]string, 0, len(users))}
		for u := range users {
			res.Users = append(res.Users, u)
		}
		sort.Strings(res.Users)
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// wanted reports whether line is a trigger line for one of the parser's
// file types.
func (p *Parser) wanted(line string) bool {
	if !strings.HasPrefix(line, "!") {
		return false
	}
	if len(p.types) == 0 {
		return true
	}
	lower := strings.ToLower(line)
	for _, t := range p.types {
		if strings.Contains(lower, "."+t) {
			return true
		}
	}
	return false
}

// ParseLine splits a "!user filename::info" line. The filename ends at the
// first "::" or at the end of the line. ok is false when the line has no
// user/filename separator or an empty filename.
func ParseLine(line string) (user, filename string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return "", "", false
	}
	user = strings.TrimSpace(strings.ReplaceAll(line[:sp], "!", ""))

	rest := line[sp:]
	if end := strings.Index(rest, "::"); end >= 0 {
		rest = rest[:end]
	}
	filename = strings.TrimSpace(rest)
	if user == "" || filename == "" {
		return "", "", false
	}
	return user, filename, true
}
