// Package config loads the bookfetch configuration.
//
// Configuration is layered: built-in defaults, then an optional file next
// to the binary (or given with --config), then environment variables. The
// file may be written in TOML, YAML or JSONC; the format is chosen by its
// extension. JSONC (JSON with comments and trailing commas) is stripped with
// github.com/tidwall/jsonc before decoding with encoding/json.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/bookfetch/internal/logging"
	"github.com/shinji-kodama/bookfetch/internal/model"
)

// BaseName is the file name (without extension) searched for in the base
// directory when no explicit --config path is given.
const BaseName = "bookfetch"

// searchExtensions lists the extensions tried, in order, during discovery.
var searchExtensions = []string{".toml", ".yaml", ".yml", ".jsonc", ".json"}

// Config is the complete bookfetch configuration.
type Config struct {
	Launcher Launcher `toml:"launcher" yaml:"launcher" json:"launcher"`
	IRC      IRC      `toml:"irc" yaml:"irc" json:"irc"`
	Fetcher  Fetcher  `toml:"fetcher" yaml:"fetcher" json:"fetcher"`

	// Path is the file the configuration was read from, empty when only
	// defaults and environment variables were used.
	Path string `toml:"-" yaml:"-" json:"-"`
}

// Launcher configures environment preparation and the launched program.
// Relative paths are resolved against BaseDir.
type Launcher struct {
	// BaseDir is the directory the environment, requirements file and
	// program are looked up in. Empty means the executable's directory.
	BaseDir string `toml:"base_dir" yaml:"base_dir" json:"base_dir"`

	// EnvDir is the environment directory.
	EnvDir string `toml:"env_dir" yaml:"env_dir" json:"env_dir"`

	// Python is the interpreter used to create the environment. Empty means
	// the first of python3, python found on PATH.
	Python string `toml:"python" yaml:"python" json:"python"`

	// Requirements is the requirements declaration file.
	Requirements string `toml:"requirements" yaml:"requirements" json:"requirements"`

	// Program is the main program run inside the environment.
	Program string `toml:"program" yaml:"program" json:"program"`

	// LockTimeoutSeconds bounds how long to wait for another launcher that
	// is preparing the same environment.
	LockTimeoutSeconds int `toml:"lock_timeout_seconds" yaml:"lock_timeout_seconds" json:"lock_timeout_seconds"`
}

// IRC configures the connection used by the native fetcher.
type IRC struct {
	Server  string `toml:"server" yaml:"server" json:"server"`
	Port    int    `toml:"port" yaml:"port" json:"port"`
	TLS     bool   `toml:"tls" yaml:"tls" json:"tls"`
	Channel string `toml:"channel" yaml:"channel" json:"channel"`
	Nick    string `toml:"nick" yaml:"nick" json:"nick"`

	// Handler is the nick that receives private status messages.
	Handler string `toml:"handler" yaml:"handler" json:"handler"`

	// ConnectionWaitSeconds is how long to wait for the channel join
	// before giving up.
	ConnectionWaitSeconds int `toml:"connection_wait_seconds" yaml:"connection_wait_seconds" json:"connection_wait_seconds"`
}

// Fetcher configures downloads and search handling.
type Fetcher struct {
	// WorkingDir receives search archives and books.
	WorkingDir string `toml:"working_dir" yaml:"working_dir" json:"working_dir"`

	// FileTypes are the extensions kept when parsing search results.
	FileTypes []string `toml:"file_types" yaml:"file_types" json:"file_types"`

	// QueueIntervalSeconds is the queue processor tick.
	QueueIntervalSeconds int `toml:"queue_interval_seconds" yaml:"queue_interval_seconds" json:"queue_interval_seconds"`

	// HistoryPath is the SQLite history database. Empty means
	// <working_dir>/.bookfetch/history.db.
	HistoryPath string `toml:"history_path" yaml:"history_path" json:"history_path"`

	// Debug turns on debug logging, like --verbose.
	Debug bool `toml:"debug" yaml:"debug" json:"debug"`
}

// DefaultFileTypes are the ebook formats kept from search results when no
// explicit list is configured.
var DefaultFileTypes = []string{"epub", "mobi", "pdf", "azw3", "azw", "cbz", "cbr"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Launcher: Launcher{
			EnvDir:             "venv",
			Requirements:       "requirements.txt",
			Program:            "main.py",
			LockTimeoutSeconds: 120,
		},
		IRC: IRC{
			Server:                "irc.irchighway.net",
			Port:                  6667,
			Channel:               "#ebooks",
			Nick:                  RandomNick(),
			Handler:               "colblitz",
			ConnectionWaitSeconds: 10,
		},
		Fetcher: Fetcher{
			WorkingDir:           "ebooks",
			FileTypes:            append([]string(nil), DefaultFileTypes...),
			QueueIntervalSeconds: 1,
		},
	}
}

// RandomNick returns a nick of the form fetcherNNNN with NNNN in 1000-9999.
func RandomNick() string {
	return fmt.Sprintf("fetcher%d", 1000+rand.IntN(9000))
}

// Load builds the configuration for baseDir.
//
// If path is non-empty that file must exist. Otherwise baseDir is searched
// for bookfetch.{toml,yaml,yml,jsonc,json}; a missing file is not an error.
// getenv supplies environment overrides (os.Getenv in production).
func Load(path, baseDir string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	cfg.Launcher.BaseDir = baseDir

	if path == "" {
		path = Discover(baseDir)
	}
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return nil, err
		}
	}

	if cfg.Launcher.BaseDir == "" {
		cfg.Launcher.BaseDir = baseDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}
	return cfg, nil
}

// Discover returns the first bookfetch config file found in dir, or "".
func Discover(dir string) string {
	if dir == "" {
		return ""
	}
	for _, ext := range searchExtensions {
		candidate := filepath.Join(dir, BaseName+ext)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// decodeFile reads path and overlays its values onto cfg. Keys missing from
// the file keep their defaults.
func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("config file not found: %s", path), err)
		}
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(c)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(c)
		// An empty YAML document decodes to io.EOF; treat it as "no overrides".
		if err != nil && len(bytes.TrimSpace(data)) == 0 {
			err = nil
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		err = dec.Decode(c)
	default:
		return model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("unsupported config file extension %q (valid: .toml, .yaml, .yml, .json, .jsonc)", ext))
	}
	if err != nil {
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// applyEnv overlays the environment variables understood by the fetcher.
// Names follow the original fetcher: IRC_SERVER, IRC_PORT, IRC_CHANNEL,
// IRC_HANDLER, IRC_NICK, WORKING_DIR, DEBUG and CONNECTION_WAIT_TIME.
// BOOKFETCH_HOME overrides the launcher base directory.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("environment variable %s must be an integer, got %q", key, v), err)
		}
		*dst = n
		return nil
	}

	setString("BOOKFETCH_HOME", &c.Launcher.BaseDir)
	setString("IRC_SERVER", &c.IRC.Server)
	setString("IRC_CHANNEL", &c.IRC.Channel)
	setString("IRC_HANDLER", &c.IRC.Handler)
	setString("IRC_NICK", &c.IRC.Nick)
	setString("WORKING_DIR", &c.Fetcher.WorkingDir)
	if err := setInt("IRC_PORT", &c.IRC.Port); err != nil {
		return err
	}
	if err := setInt("CONNECTION_WAIT_TIME", &c.IRC.ConnectionWaitSeconds); err != nil {
		return err
	}
	if v := getenv("DEBUG"); v != "" {
		c.Fetcher.Debug = logging.ParseDebug(v)
	}
	return nil
}

// Validate checks value ranges and the channel name.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Launcher.EnvDir) == "" {
		return errors.New("launcher.env_dir must not be empty")
	}
	if strings.TrimSpace(c.Launcher.Requirements) == "" {
		return errors.New("launcher.requirements must not be empty")
	}
	if strings.TrimSpace(c.Launcher.Program) == "" {
		return errors.New("launcher.program must not be empty")
	}
	if c.Launcher.LockTimeoutSeconds < 0 {
		return fmt.Errorf("launcher.lock_timeout_seconds must not be negative, got %d", c.Launcher.LockTimeoutSeconds)
	}
	if c.IRC.Port < 1 || c.IRC.Port > 65535 {
		return fmt.Errorf("irc.port %d out of range (1-65535)", c.IRC.Port)
	}
	if strings.TrimSpace(c.IRC.Server) == "" {
		return errors.New("irc.server must not be empty")
	}
	if !IsChannel(c.IRC.Channel) {
		return fmt.Errorf("invalid channel: %q", c.IRC.Channel)
	}
	if strings.ContainsAny(c.IRC.Nick, " \r\n") || c.IRC.Nick == "" {
		return fmt.Errorf("invalid nick: %q", c.IRC.Nick)
	}
	if c.IRC.ConnectionWaitSeconds < 0 {
		return fmt.Errorf("irc.connection_wait_seconds must not be negative, got %d", c.IRC.ConnectionWaitSeconds)
	}
	if strings.TrimSpace(c.Fetcher.WorkingDir) == "" {
		return errors.New("fetcher.working_dir must not be empty")
	}
	if c.Fetcher.QueueIntervalSeconds < 1 {
		return fmt.Errorf("fetcher.queue_interval_seconds must be at least 1, got %d", c.Fetcher.QueueIntervalSeconds)
	}
	return nil
}

// IsChannel reports whether name is a syntactically valid IRC channel:
// a #, &, + or ! prefix followed by characters other than space, comma
// and BEL.
func IsChannel(name string) bool {
	if len(name) < 2 || len(name) > 200 {
		return false
	}
	if !strings.ContainsRune("#&+!", rune(name[0])) {
		return false
	}
	return !strings.ContainsAny(name, " ,\x07\r\n")
}

// Resolve makes p absolute relative to the launcher base directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Launcher.BaseDir, p)
}

// LockTimeout returns the launcher lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Launcher.LockTimeoutSeconds) * time.Second
}

// ConnectionWait returns the join timeout as a duration.
func (c *Config) ConnectionWait() time.Duration {
	return time.Duration(c.IRC.ConnectionWaitSeconds) * time.Second
}

// QueueInterval returns the queue processor tick as a duration.
func (c *Config) QueueInterval() time.Duration {
	return time.Duration(c.Fetcher.QueueIntervalSeconds) * time.Second
}

// WorkingDir returns the absolute download directory. Relative paths are
// taken against the current directory, as the fetcher always did.
func (c *Config) WorkingDir() (string, error) {
	return filepath.Abs(c.Fetcher.WorkingDir)
}

// EnsureWorkingDir creates the download directory if it is missing and
// returns its absolute path.
func (c *Config) EnsureWorkingDir() (string, error) {
	dir, err := c.WorkingDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory %s: %w", dir, err)
	}
	return dir, nil
}

// HistoryPath returns the absolute path of the history database.
func (c *Config) HistoryPath() (string, error) {
	if c.Fetcher.HistoryPath != "" {
		return filepath.Abs(c.Fetcher.HistoryPath)
	}
	dir, err := c.WorkingDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".bookfetch", "history.db"), nil
}

// Address returns host:port for the IRC server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.IRC.Server, c.IRC.Port)
}
