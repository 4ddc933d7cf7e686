package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the process.
type ExecMode string

const (
	// ExecModeUser keeps state under the invoking user's home.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps state under /var/lib and spools to /var/spool.
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds default locations for an execution mode.
type ExecModeConfig struct {
	Mode        ExecMode
	DataDir     string // SQLCipher database and key
	RecordPath  string // JSON record file
	QueueFolder string // firewall queue directory
	IsRoot      bool
}

const (
	systemDataDir     = "/var/lib/ipguard"
	systemQueueFolder = "/var/spool/ipguard"
	userDataDirName   = ".ipguard"
	recordFileName    = "records.json"
)

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		return &ExecModeConfig{
			Mode:        ExecModeSystem,
			DataDir:     systemDataDir,
			RecordPath:  filepath.Join(systemDataDir, recordFileName),
			QueueFolder: systemQueueFolder,
			IsRoot:      true,
		}
	}
	return GetUserModeConfig()
}

// GetUserModeConfig returns user mode locations regardless of current euid.
func GetUserModeConfig() *ExecModeConfig {
	dataDir := filepath.Join(GetRealUserHome(), userDataDirName)
	return &ExecModeConfig{
		Mode:        ExecModeUser,
		DataDir:     dataDir,
		RecordPath:  filepath.Join(dataDir, recordFileName),
		QueueFolder: os.TempDir(),
		IsRoot:      os.Geteuid() == 0,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
