package results

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

const sampleResults = "Search results from SearchBot v3.00.07, searched for: dune\r\n" +
	"Searched 42 lists, found 5 matches.\r\n" +
	"\r\n" +
	"!Oatmeal Frank Herbert - Dune.epub ::INFO:: 1.1MB\r\n" +
	"!Bsk Frank Herbert - Dune.epub  ::INFO:: 1.1MB\r\n" +
	"!Bsk Frank Herbert - Dune Messiah.MOBI\r\n" +
	"!Dumbledore Frank Herbert - Dune.txt ::INFO:: 800KB\r\n" +
	"!Oatmeal Frank Herbert - Dune (audio).mp3 ::INFO:: 300MB\r\n" +
	"<chatter> nothing to see here .epub\r\n" +
	"!nospace.epub\r\n"

func newTestParser(types []string) *Parser {
	p := NewParser(types)
	p.SetLogger(logging.Discard())
	return p
}

func writeZip(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		user     string
		filename string
		ok       bool
	}{
		{"with info", "!Bsk Author - Title.epub ::INFO:: 1MB", "Bsk", "Author - Title.epub", true},
		{"without info", "!Bsk Author - Title.epub\r\n", "Bsk", "Author - Title.epub", true},
		{"no space", "!Bsk", "", "", false},
		{"empty filename", "!Bsk ::INFO:: 1MB", "", "", false},
		{"bang only user", "! Title.epub", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, filename, ok := ParseLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.filename, filename)
		})
	}
}

func TestParse_DefaultTypes(t *testing.T) {
	res, err := newTestParser([]string{"epub", "mobi"}).Parse(strings.NewReader(sampleResults))
	require.NoError(t, err)

	require.Len(t, res, 2)
	assert.Equal(t, "Frank Herbert - Dune Messiah.MOBI", res[0].Filename)
	assert.Equal(t, []string{"Bsk"}, res[0].Users)
	assert.Equal(t, "Frank Herbert - Dune.epub", res[1].Filename)
	assert.Equal(t, []string{"Bsk", "Oatmeal"}, res[1].Users, "users are deduplicated and sorted")
}

func TestParse_TypeSelection(t *testing.T) {
	res, err := newTestParser([]string{".TXT"}).Parse(strings.NewReader(sampleResults))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Frank Herbert - Dune.txt", res[0].Filename)
	assert.Equal(t, []string{"Dumbledore"}, res[0].Users)
}

func TestNewParser_NormalizesTypes(t *testing.T) {
	p := newTestParser([]string{" EPUB", ".epub", "", "mobi"})
	assert.Equal(t, []string{"epub", "mobi"}, p.Types())
}

func TestParse_InvalidUTF8(t *testing.T) {
	res, err := newTestParser([]string{"epub"}).Parse(strings.NewReader("!Bsk Caf\xe9 Stories.epub ::INFO::\n"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Caf� Stories.epub", res[0].Filename)
}

func TestProcessArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "SearchBot_results_for_dune.txt.zip")
	writeZip(t, archive, map[string]string{"SearchBot_results_for_dune.txt": sampleResults})

	res, err := newTestParser([]string{"epub"}).ProcessArchive(archive)
	require.NoError(t, err)
	require.Len(t, res, 1)

	assert.FileExists(t, filepath.Join(dir, "SearchBot_results_for_dune.txt"))
}

func TestProcessArchive_MultipleMembers(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "results.zip")
	writeZip(t, archive, map[string]string{"a.txt": "!a a.epub", "b.txt": "!b b.epub"})

	_, err := newTestParser(nil).ProcessArchive(archive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMultipleMembers))

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitResultsInvalid, cliErr.Code)
}

func TestProcessArchive_Empty(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "results.zip")
	writeZip(t, archive, map[string]string{})

	_, err := newTestParser(nil).ProcessArchive(archive)
	assert.True(t, errors.Is(err, ErrEmptyArchive))
}

func TestProcessArchive_NotAZip(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "results.zip")
	require.NoError(t, os.WriteFile(archive, []byte("plain text"), 0o644))

	_, err := newTestParser(nil).ProcessArchive(archive)
	require.Error(t, err)
}

func TestFilter(t *testing.T) {
	in := []model.SearchResult{
		{Filename: "Frank Herbert - Dune.epub", Users: []string{"Bsk", "Oatmeal"}, Online: []string{"Bsk"}},
		{Filename: "Frank Herbert - Dune Messiah.mobi", Users: []string{"Bsk"}},
		{Filename: "Ursula K. Le Guin - Earthsea.epub", Users: []string{"Dumbledore"}, Online: []string{"Dumbledore"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"zero keeps all", Filter{}, []string{"Frank Herbert - Dune.epub", "Frank Herbert - Dune Messiah.mobi", "Ursula K. Le Guin - Earthsea.epub"}},
		{"query", Filter{Query: "DUNE"}, []string{"Frank Herbert - Dune.epub", "Frank Herbert - Dune Messiah.mobi"}},
		{"min users", Filter{MinUsers: 2}, []string{"Frank Herbert - Dune.epub"}},
		{"online", Filter{OnlineOnly: true}, []string{"Frank Herbert - Dune.epub", "Ursula K. Le Guin - Earthsea.epub"}},
		{"combined", Filter{Query: "messiah", OnlineOnly: true}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, r := range tt.filter.Apply(in) {
				got = append(got, r.Filename)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarkOnlineAndPreferredUser(t *testing.T) {
	res := []model.SearchResult{
		{Filename: "a.epub", Users: []string{"Bsk", "Oatmeal"}},
		{Filename: "b.epub", Users: []string{"Dumbledore"}},
	}
	assert.Equal(t, []string{"Bsk", "Dumbledore", "Oatmeal"}, Users(res))

	MarkOnline(res, []string{"oatmeal"})
	assert.Equal(t, []string{"Oatmeal"}, res[0].Online)
	assert.Empty(t, res[1].Online)

	assert.Equal(t, "Oatmeal", PreferredUser(res[0]))
	assert.Equal(t, "Dumbledore", PreferredUser(res[1]))
	assert.Equal(t, "", PreferredUser(model.SearchResult{}))
}
