package conf

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// CommandLineArgs carries the values parsed from the command line that
// override file-based configuration.
type CommandLineArgs struct {
	ConfigPath   string
	DatabasePath string
}

// Cfg is the recovery tool configuration, loaded from an ini file with
// command-line overrides applied on top.
type Cfg struct {
	Raw *ini.File

	// DatabasePath is the base database file to recover.
	DatabasePath string

	// PageSize overrides the header-derived page size when > 0.
	PageSize int
	// ReservedBytes overrides the header-derived reserved byte count
	// when >= 0.
	ReservedBytes int

	// WalImportance decides whether a failing WAL aborts recovery of the
	// base file.
	WalImportance bool
	// MaxWalFrame caps how many WAL frames are trusted; 0 means no cap.
	MaxWalFrame int

	// logs
	LogError string
	LogInfos string
	LogLevel string
}

// NewCfg returns a Cfg with defaults applied.
func NewCfg() *Cfg {
	return &Cfg{
		PageSize:      0,
		ReservedBytes: -1,
		WalImportance: true,
		MaxWalFrame:   0,
		LogLevel:      "info",
	}
}

// Load reads the ini file named by args (when given) and applies command-line
// overrides.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	if args.ConfigPath != "" {
		if err := cfg.loadIniFile(args.ConfigPath); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if args.DatabasePath != "" {
		cfg.DatabasePath = args.DatabasePath
	}
	if cfg.DatabasePath == "" {
		return nil, errors.New("no database path configured")
	}
	if abs, err := filepath.Abs(cfg.DatabasePath); err == nil {
		cfg.DatabasePath = abs
	}
	return cfg, nil
}

func (cfg *Cfg) loadIniFile(configPath string) error {
	if _, err := os.Stat(configPath); err != nil {
		return errors.Annotatef(err, "config file %s", configPath)
	}
	parsedFile, err := ini.Load(configPath)
	if err != nil {
		return errors.Annotatef(err, "parse config file %s", configPath)
	}
	cfg.Raw = parsedFile

	section := parsedFile.Section("recover")
	cfg.DatabasePath = section.Key("database").MustString(cfg.DatabasePath)
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.ReservedBytes = section.Key("reserved_bytes").MustInt(cfg.ReservedBytes)
	cfg.WalImportance = section.Key("wal_importance").MustBool(cfg.WalImportance)
	cfg.MaxWalFrame = section.Key("max_wal_frame").MustInt(cfg.MaxWalFrame)

	logSection := parsedFile.Section("log")
	cfg.LogError = logSection.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = logSection.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = logSection.Key("log_level").MustString(cfg.LogLevel)

	return nil
}
