// Package config loads the process-wide environment configuration and
// persists the mutable, admin-editable application settings to app.json
// (§6.3). It deliberately keeps these as two separate concerns: Config is
// parsed once at boot and never changes; Store holds app.json, is loaded at
// boot, mutated by the admin API, and atomically rewritten on every change.
package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	atomicfile "github.com/natefinch/atomic"

	"github.com/bambu-fleet/monitor/internal/model"
)

// Config is the env-derived, immutable-after-boot process configuration.
type Config struct {
	HttpAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DataDir  string `env:"DATA_DIR" envDefault:"./data"`
	CacheDir string `env:"CACHE_DIR" envDefault:"./data/print-cache"`

	PushallInterval float64 `env:"PUSHALL_INTERVAL" envDefault:"5"`
	CamInterval     float64 `env:"CAM_INTERVAL" envDefault:"0.2"`

	Go2RtcPath       string `env:"GO2RTC_PATH"`
	Go2RtcPort       int    `env:"GO2RTC_PORT" envDefault:"1984"`
	Go2RtcLogOutput  bool   `env:"GO2RTC_LOG_OUTPUT"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	AppJSONPath string `env:"APP_JSON_PATH" envDefault:"./data/app.json"`
}

// Load parses Config from the environment with the CONWAY-teacher's prefix
// convention adapted to this domain.
func Load() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{Prefix: "FLEETD_", UseFieldNameByDefault: true})
}

// AppSettings is the admin-editable subset of app.json (§6.3).
type AppSettings struct {
	Host                string `json:"host,omitempty"`
	Port                int    `json:"port,omitempty"`
	LogLevel            string `json:"log_level,omitempty"`
	PushallInterval     float64 `json:"pushall_interval,omitempty"`
	CamInterval         float64 `json:"cam_interval,omitempty"`
	Go2RtcPort          int    `json:"go2rtc_port,omitempty"`
	Go2RtcPath          string `json:"go2rtc_path,omitempty"`
	Go2RtcLogOutput     bool   `json:"go2rtc_log_output,omitempty"`
	APIToken            string `json:"api_token"`
	AdminToken          string `json:"admin_token"`
	AdminAllowlist      []string `json:"admin_allowlist,omitempty"`
	AdminPasswordHash   string `json:"admin_password_hash,omitempty"`
	SessionSecret       string `json:"session_secret"`
	AuthEnabled         bool   `json:"auth_enabled"`
	DebugEnabled        bool   `json:"debug_enabled"`
	CacheUploadEnabled  bool   `json:"cache_upload_enabled"`
}

// AppFile is the full shape of app.json.
type AppFile struct {
	AppSettings AppSettings               `json:"app_settings"`
	Printers    []model.PrinterDefinition `json:"printers"`
	Settings    struct {
		DefaultPrinterID string `json:"default_printer_id,omitempty"`
	} `json:"settings"`
}

// Store guards an AppFile with a mutex and persists every mutation
// atomically, grounded on original_source/app/core/config.py's
// load-generate-tokens-then-save boot sequence.
type Store struct {
	path string
	mu   sync.RWMutex
	file AppFile
}

// Open loads path if it exists, or starts from a zero AppFile, then
// generates any missing tokens/secrets and writes them back immediately so
// the tokens are stable across restarts (§6.3 "Missing tokens are
// auto-generated on load").
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &s.file); jsonErr != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, jsonErr)
		}
	case os.IsNotExist(err):
		// fresh install
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	changed := s.fillMissingTokens()
	if changed {
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) fillMissingTokens() bool {
	changed := false
	if s.file.AppSettings.APIToken == "" {
		s.file.AppSettings.APIToken = uuid.NewString()
		changed = true
	}
	if s.file.AppSettings.AdminToken == "" {
		s.file.AppSettings.AdminToken = uuid.NewString()
		changed = true
	}
	if s.file.AppSettings.SessionSecret == "" {
		s.file.AppSettings.SessionSecret = randomHex(32)
		changed = true
	}
	return changed
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Snapshot returns a copy of the current app file.
func (s *Store) Snapshot() AppFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file
}

// Mutate invokes fn with an exclusive lock over the app file, then persists
// it atomically. fn returning an error aborts the write.
func (s *Store) Mutate(fn func(*AppFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&s.file); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.path, bytes.NewReader(data))
}

func (s *Store) Printers() []model.PrinterDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PrinterDefinition(nil), s.file.Printers...)
}

func (s *Store) DefaultPrinterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Settings.DefaultPrinterID
}
