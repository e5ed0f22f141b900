// Package config loads and validates openduckbill's config.yaml.
//
// Loading is layered on top of viper so that -c, ./config.yaml, and
// ~/.openduckbill/config.yaml resolve in the order the daemon expects,
// while the actual decode happens into plain yaml-tagged structs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"openduckbill/internal/entryset"
)

// Mode is the destination mode selector.
type Mode string

const (
	ModeLocal       Mode = "local"
	ModeNFS         Mode = "nfs"
	ModeRemoteShell Mode = "rsync"
)

// Defaults match the original daemon's config defaults.
const (
	DefaultSyncInterval = 300 * time.Second
	DefaultCommitThresh = 64
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultSSHPort      = 22

	minSyncIntervalSecs  = 5
	minCommitThreshCount = 5
)

// Config is the immutable, fully-validated global configuration.
type Config struct {
	Mode Mode

	SyncInterval    time.Duration
	CommitThreshold int
	MaintainPrev    bool
	RetainBackups   bool
	Retention       time.Duration

	// Endpoint fields; only the ones relevant to Mode are populated.
	Server      string // nfs / rsync
	RemoteMount string // nfs / rsync remote directory
	LocalMount  string // local / nfs local mountpoint
	SSHPort     int    // rsync
	SSHUser     string // rsync

	GlobalExclude []string
	Entries       []entryset.Entry
}

type rawFile struct {
	Global struct {
		BackupMethod     string `yaml:"backupmethod" mapstructure:"backupmethod"`
		SyncInterval     int    `yaml:"syncinterval" mapstructure:"syncinterval"`
		CommitChanges    int    `yaml:"commitchanges" mapstructure:"commitchanges"`
		MaintainPrevious *bool  `yaml:"maintainprevious" mapstructure:"maintainprevious"`
		RetainBackup     *bool  `yaml:"retainbackup" mapstructure:"retainbackup"`
		RetentionTime    int    `yaml:"retentiontime" mapstructure:"retentiontime"`
	} `yaml:"global" mapstructure:"global"`

	NFS struct {
		Server      string `yaml:"server" mapstructure:"server"`
		RemoteMount string `yaml:"remotemount" mapstructure:"remotemount"`
		LocalMount  string `yaml:"localmount" mapstructure:"localmount"`
	} `yaml:"nfs" mapstructure:"nfs"`

	Local struct {
		LocalMount string `yaml:"localmount" mapstructure:"localmount"`
	} `yaml:"local" mapstructure:"local"`

	Rsync struct {
		Server      string `yaml:"server" mapstructure:"server"`
		RemoteMount string `yaml:"remotemount" mapstructure:"remotemount"`
		SSHPort     int    `yaml:"sshport" mapstructure:"sshport"`
		SSHUser     string `yaml:"sshuser" mapstructure:"sshuser"`
	} `yaml:"rsync" mapstructure:"rsync"`

	Exclude []string `yaml:"exclude" mapstructure:"exclude"`

	Entry []struct {
		Name      string   `yaml:"name" mapstructure:"name"`
		Path      string   `yaml:"path" mapstructure:"path"`
		Recursive bool     `yaml:"recursive" mapstructure:"recursive"`
		Include   []string `yaml:"include" mapstructure:"include"`
		Exclude   []string `yaml:"exclude" mapstructure:"exclude"`
	} `yaml:"entry" mapstructure:"entry"`
}

// Resolve returns the config path to use given a -c override.
func Resolve(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve default config path: %w", err)
	}
	return filepath.Join(home, ".openduckbill", "config.yaml"), nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg, err := fromRaw(raw)
	if err != nil {
		return nil, err
	}

	if err := entryset.Validate(cfg.Entries); err != nil {
		return nil, fmt.Errorf("invalid entry set: %w", err)
	}

	return cfg, nil
}

func fromRaw(raw rawFile) (*Config, error) {
	cfg := &Config{}

	switch raw.Global.BackupMethod {
	case "local":
		cfg.Mode = ModeLocal
	case "nfs":
		cfg.Mode = ModeNFS
	case "rsync":
		cfg.Mode = ModeRemoteShell
	case "":
		return nil, fmt.Errorf("global.backupmethod is required (local|nfs|rsync)")
	default:
		return nil, fmt.Errorf("global.backupmethod %q not one of local|nfs|rsync", raw.Global.BackupMethod)
	}

	cfg.SyncInterval = DefaultSyncInterval
	if raw.Global.SyncInterval != 0 {
		if raw.Global.SyncInterval < minSyncIntervalSecs {
			return nil, fmt.Errorf("global.syncinterval must be >= %d", minSyncIntervalSecs)
		}
		cfg.SyncInterval = time.Duration(raw.Global.SyncInterval) * time.Second
	}

	cfg.CommitThreshold = DefaultCommitThresh
	if raw.Global.CommitChanges != 0 {
		if raw.Global.CommitChanges < minCommitThreshCount {
			return nil, fmt.Errorf("global.commitchanges must be >= %d", minCommitThreshCount)
		}
		cfg.CommitThreshold = raw.Global.CommitChanges
	}

	if raw.Global.MaintainPrevious != nil {
		cfg.MaintainPrev = *raw.Global.MaintainPrevious
	}

	cfg.RetainBackups = true
	if raw.Global.RetainBackup != nil {
		cfg.RetainBackups = *raw.Global.RetainBackup
	}
	// Retention is forced on for remote-shell destinations and whenever
	// previous-version maintenance is enabled; neither mode can safely
	// overwrite in place.
	if cfg.Mode == ModeRemoteShell || cfg.MaintainPrev {
		cfg.RetainBackups = true
	}

	cfg.Retention = DefaultRetention
	if raw.Global.RetentionTime != 0 {
		cfg.Retention = time.Duration(raw.Global.RetentionTime) * time.Second
	}

	switch cfg.Mode {
	case ModeLocal:
		cfg.LocalMount = raw.Local.LocalMount
		if cfg.LocalMount == "" {
			return nil, fmt.Errorf("local.localmount is required for backupmethod=local")
		}
	case ModeNFS:
		cfg.Server = raw.NFS.Server
		cfg.RemoteMount = raw.NFS.RemoteMount
		cfg.LocalMount = raw.NFS.LocalMount
		if cfg.Server == "" || cfg.RemoteMount == "" || cfg.LocalMount == "" {
			return nil, fmt.Errorf("nfs.server, nfs.remotemount, and nfs.localmount are all required for backupmethod=nfs")
		}
	case ModeRemoteShell:
		cfg.Server = raw.Rsync.Server
		cfg.RemoteMount = raw.Rsync.RemoteMount
		cfg.SSHPort = DefaultSSHPort
		if raw.Rsync.SSHPort != 0 {
			cfg.SSHPort = raw.Rsync.SSHPort
		}
		cfg.SSHUser = raw.Rsync.SSHUser
		if cfg.SSHUser == "" {
			if u := os.Getenv("USER"); u != "" {
				cfg.SSHUser = u
			} else {
				return nil, fmt.Errorf("rsync.sshuser is required (or $USER must be set)")
			}
		}
		if cfg.Server == "" || cfg.RemoteMount == "" {
			return nil, fmt.Errorf("rsync.server and rsync.remotemount are required for backupmethod=rsync")
		}
	}

	cfg.GlobalExclude = raw.Exclude

	if len(raw.Entry) == 0 {
		return nil, fmt.Errorf("at least one entry is required")
	}
	cfg.Entries = make([]entryset.Entry, 0, len(raw.Entry))
	for _, e := range raw.Entry {
		if e.Name == "" || e.Path == "" {
			return nil, fmt.Errorf("every entry requires name and path")
		}
		if !filepath.IsAbs(e.Path) {
			return nil, fmt.Errorf("entry %q: path must be absolute", e.Name)
		}
		if _, err := os.Stat(e.Path); err != nil {
			return nil, fmt.Errorf("entry %q: path %q not accessible: %w", e.Name, e.Path, err)
		}
		cfg.Entries = append(cfg.Entries, entryset.Entry{
			Name:      e.Name,
			Path:      e.Path,
			Recursive: e.Recursive,
			Include:   e.Include,
			Exclude:   e.Exclude,
		})
	}

	return cfg, nil
}

// DestinationRoot returns the root directory for the configured mode: the
// local mountpoint for local/nfs, the remote directory for remote-shell.
func (c *Config) DestinationRoot() string {
	if c.Mode == ModeRemoteShell {
		return c.RemoteMount
	}
	return c.LocalMount
}
