// Package config resolves the board server's effective configuration from
// built-in defaults, an optional HuJSON config file, and pflag CLI flags,
// in that increasing order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// Config is the fully resolved configuration for cmd/boardd.
type Config struct {
	ListenPort int    `json:"listen_port"`
	BitmapPath string `json:"bitmap_path"`
	LogPath    string `json:"log_path"`
	TotalBits  uint64 `json:"total_bits"`
	ConfigFile string `json:"-"`
	Dev        bool   `json:"-"`
}

// Defaults returns the configuration used when neither a config file nor
// CLI flags override a field.
func Defaults() Config {
	return Config{
		ListenPort: 8080,
		BitmapPath: "board.bin",
		LogPath:    "board.log",
		TotalBits:  8_000_000,
	}
}

// fileConfig mirrors the subset of Config that may be set from the HuJSON
// config file; a nil field (key absent from the file) means "not specified"
// and leaves the default untouched, while a key present with a zero value
// is applied as given.
type fileConfig struct {
	ListenPort *int    `json:"listen_port"`
	BitmapPath *string `json:"bitmap_path"`
	LogPath    *string `json:"log_path"`
	TotalBits  *uint64 `json:"total_bits"`
}

// Load resolves the configuration from defaults, an optional HuJSON file
// named by --config, and args parsed as pflag CLI flags. args is typically
// os.Args[1:].
func Load(args []string) (Config, error) {
	cfg := Defaults()

	fs := pflag.NewFlagSet("boardd", pflag.ContinueOnError)

	configFile := fs.String("config", "", "path to a HuJSON config file")
	port := fs.Int("port", 0, "listen port (0 = use config/default)")
	bitmapPath := fs.String("bitmap", "", "path to the board's memory-mapped file")
	logPath := fs.String("log", "", "path to the mutation log file")
	totalBits := fs.Uint64("total-bits", 0, "board capacity in bits (0 = use config/default)")
	dev := fs.Bool("dev", false, "use a development (console, debug-level) logger")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		if err := applyConfigFile(&cfg, *configFile); err != nil {
			return Config{}, err
		}

		cfg.ConfigFile = *configFile
	}

	if *port != 0 {
		cfg.ListenPort = *port
	}

	if *bitmapPath != "" {
		cfg.BitmapPath = *bitmapPath
	}

	if *logPath != "" {
		cfg.LogPath = *logPath
	}

	if *totalBits != 0 {
		cfg.TotalBits = *totalBits
	}

	cfg.Dev = *dev

	// The board's long-running first-positional-argument convention: a
	// bare numeric argument after flags sets the listen port, for
	// compatibility with invocations like `boardd 9000`.
	if rest := fs.Args(); len(rest) > 0 {
		var p int
		if _, err := fmt.Sscanf(rest[0], "%d", &p); err == nil && p > 0 {
			cfg.ListenPort = p
		}
	}

	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	if fc.ListenPort != nil {
		cfg.ListenPort = *fc.ListenPort
	}

	if fc.BitmapPath != nil {
		cfg.BitmapPath = *fc.BitmapPath
	}

	if fc.LogPath != nil {
		cfg.LogPath = *fc.LogPath
	}

	if fc.TotalBits != nil {
		cfg.TotalBits = *fc.TotalBits
	}

	return nil
}
