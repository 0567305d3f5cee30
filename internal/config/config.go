package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aljazari-lab/kebbicall/internal/util"
)

type Config struct {
	Listen Listen `json:"listen"`
	Call   Call   `json:"call"`
	Data   Data   `json:"data"`
	Admin  Admin  `json:"admin"`
	AI     AI     `json:"ai"`
	Book   Book   `json:"book"`
	Log    Log    `json:"log"`
}

type Listen struct {
	// Bind address for the HTTP/websocket server. Default "0.0.0.0"
	// so controller phones on the classroom network can reach it.
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Call struct {
	// Seconds an unanswered call keeps ringing before both parties
	// get missed_call and the session is dropped.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Websocket keepalive ping interval and pong wait.
	PingIntervalSec int `json:"ping_interval_seconds"`
	PongWaitSec     int `json:"pong_wait_seconds"`
}

type Data struct {
	// Directory holding the sqlite database and the AI settings file.
	Dir          string `json:"dir"`
	DBFile       string `json:"db_file"`
	SettingsFile string `json:"settings_file"`
}

type Admin struct {
	// Basic-auth password for /admin. Empty disables the page.
	Password string `json:"password"`
}

type AI struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

type Book struct {
	// Base URL of the book question-answering service. Empty disables
	// book queries.
	QueryURL string `json:"query_url"`
}

type Log struct {
	Level string `json:"level"` // debug|info|warn|error
}

func Default() Config {
	return Config{
		Listen: Listen{
			Bind: "0.0.0.0",
			Port: 5060,
		},
		Call: Call{
			RingTimeoutSec:  30,
			PingIntervalSec: 25,
			PongWaitSec:     60,
		},
		Data: Data{
			Dir:          "data",
			DBFile:       "school.db",
			SettingsFile: "settings.json",
		},
		Admin: Admin{
			Password: "",
		},
		AI: AI{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "",
		},
		Book: Book{
			QueryURL: "",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Listen
	if b := strings.TrimSpace(c.Listen.Bind); b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("listen.bind must be a valid IP address")
		}
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return errors.New("listen.port must be 1..65535")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.PingIntervalSec <= 0 {
		return errors.New("call.ping_interval_seconds must be > 0")
	}
	if c.Call.PongWaitSec <= c.Call.PingIntervalSec {
		return errors.New("call.pong_wait_seconds must be > call.ping_interval_seconds")
	}

	// Data
	if strings.TrimSpace(c.Data.Dir) == "" {
		return errors.New("data.dir is required")
	}
	if strings.TrimSpace(c.Data.DBFile) == "" {
		return errors.New("data.db_file is required")
	}
	if strings.TrimSpace(c.Data.SettingsFile) == "" {
		return errors.New("data.settings_file is required")
	}

	// AI
	if u := strings.TrimSpace(c.AI.BaseURL); u != "" {
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("ai.base_url: %w", err)
		}
	}

	// Book
	if u := strings.TrimSpace(c.Book.QueryURL); u != "" {
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("book.query_url: %w", err)
		}
	}

	// Log
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("log.level must be one of debug|info|warn|error")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// DBPath resolves the sqlite database path against the data directory.
func (c *Config) DBPath() string {
	return util.ResolvePath(c.Data.Dir, c.Data.DBFile)
}

// SettingsPath resolves the AI settings file against the data directory.
func (c *Config) SettingsPath() string {
	return util.ResolvePath(c.Data.Dir, c.Data.SettingsFile)
}

// Addr returns the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Listen.Bind, strconv.Itoa(c.Listen.Port))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays deployment environment variables over the file
// values. Secrets usually arrive this way rather than in the JSON.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = n
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("BOOK_QUERY_URL"); v != "" {
		cfg.Book.QueryURL = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	applyEnv(&cfg)
	return cfg, true, nil
}
