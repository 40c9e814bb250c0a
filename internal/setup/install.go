package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed unit.tmpl
var unitTemplateStr string

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "pezzosync"

	// InstallDir is the default install directory for the binary.
	InstallDir = "/usr/local/bin"

	// UnitName is the systemd user unit name.
	UnitName = "pezzosync.service"
)

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
}

// BinaryInstallPath returns the full path to the installed binary.
func BinaryInstallPath() string {
	return filepath.Join(InstallDir, BinaryName)
}

// UnitPath returns the systemd user unit destination path.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// InstallBinary copies the currently-running binary to /usr/local/bin.
// Uses sudo if the target directory is not writable by the current user.
func InstallBinary() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}

	// Resolve symlinks so we copy the actual binary.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath()

	// Check if the target directory is writable.
	if isWritable(InstallDir) {
		return copyFile(self, dest, 0o755)
	}

	// Fallback: use sudo to install.
	//nolint:gosec // sudo is intentional here — the user is prompted for their password.
	cmd := exec.Command("sudo", "install", "-m", "755", self, dest)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo install to %s: %w", dest, err)
	}
	return nil
}

// WriteUnit renders the systemd unit from the embedded template and writes it
// to ~/.config/systemd/user/.
func WriteUnit(homeDir string) error {
	tmpl, err := template.New("unit").Parse(unitTemplateStr)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}

	data := unitData{
		BinaryPath: BinaryInstallPath(),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("executing unit template: %w", err)
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}

	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// EnableDaemon reloads systemd user units, enables the service so it starts
// on login, and (re)starts it now.
func EnableDaemon() error {
	if err := systemctlUser("daemon-reload"); err != nil {
		return err
	}
	if err := systemctlUser("enable", UnitName); err != nil {
		return err
	}
	return systemctlUser("restart", UnitName)
}

// DisableDaemon stops the service and removes it from login startup.
func DisableDaemon(homeDir string) error {
	if _, err := os.Stat(UnitPath(homeDir)); os.IsNotExist(err) {
		return nil // nothing to disable
	}
	return systemctlUser("disable", "--now", UnitName)
}

// RemoveUnit deletes the systemd unit file and tells systemd to forget it.
func RemoveUnit(homeDir string) error {
	unit := UnitPath(homeDir)
	if err := os.Remove(unit); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit %s: %w", unit, err)
	}
	_ = systemctlUser("daemon-reload")
	return nil
}

// RemoveBinary deletes the installed binary from /usr/local/bin.
// Uses sudo if the directory is not writable.
func RemoveBinary() error {
	path := BinaryInstallPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // already gone
	}

	if isWritable(InstallDir) {
		return os.Remove(path)
	}

	//nolint:gosec // sudo is intentional
	cmd := exec.Command("sudo", "rm", "-f", path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// IsDaemonActive checks whether the systemd user service is currently running.
func IsDaemonActive() bool {
	cmd := exec.Command("systemctl", "--user", "is-active", "--quiet", UnitName)
	return cmd.Run() == nil
}

// PurgeUserData removes the config file and the sync database.
func PurgeUserData(homeDir string) error {
	dirs := []string{
		filepath.Join(homeDir, ".config", BinaryName),
		filepath.Join(homeDir, ".local", "share", BinaryName),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// systemctlUser runs a systemctl command against the user manager.
func systemctlUser(args ...string) error {
	full := append([]string{"--user"}, args...)
	//nolint:gosec // arguments are fixed unit-management verbs
	cmd := exec.Command("systemctl", full...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl --user %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

// isWritable checks if the given directory is writable by the current user.
func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".pz-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// copyFile copies src to dst with the given permissions.
func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
