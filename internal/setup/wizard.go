package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pezzottify/pezzosync/internal/config"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// catalog connection, database location, config file creation, and optional
// daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to pezzosync Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will help you configure and install pezzosync.\n\n")

	// Check for existing config.
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall(ctx)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: Catalog server connection.
	fmt.Fprintf(wiz.w, "Step 1/3 — Catalog Server\n")

	serverURL := wiz.prompt.String("Server URL (e.g. https://music.example.com)", "")

	token, tokenFile, err := wiz.askToken()
	if err != nil {
		return err
	}

	probeToken := token
	if tokenFile != "" {
		raw, readErr := os.ReadFile(tokenFile)
		if readErr != nil {
			return fmt.Errorf("reading token file: %w", readErr)
		}
		probeToken = strings.TrimSpace(string(raw))
	}

	fmt.Fprintf(wiz.w, "  Connecting to the catalog...")
	probed, probeErr := Probe(ctx, serverURL, probeToken, wiz.logger)
	if probeErr != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach the catalog: %w\n\n  Check the URL and token, then try again", probeErr)
	}
	fmt.Fprintf(wiz.w, " ✓\n")
	fmt.Fprintf(wiz.w, "  Library at seq %d: %d like(s), %d playlist(s)\n\n", probed.Seq, probed.Likes, probed.Playlists)

	// Step 2: Local database.
	fmt.Fprintf(wiz.w, "Step 2/3 — Local Database\n")

	defaultDB, err := config.DefaultDatabasePath()
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	dbPath := wiz.prompt.String("Database path", defaultDB)
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Write config.
	fmt.Fprintf(wiz.w, "Step 3/3 — Save Configuration\n")

	cfg := &config.Config{
		ServerURL:    serverURL,
		Token:        token,
		TokenFile:    tokenFile,
		DatabasePath: dbPath,
	}

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	return wiz.offerDaemonInstall(ctx)
}

// askToken lets the user choose between pasting the session token and
// pointing at a file that holds it. Exactly one of the return values is set.
func (wiz *Wizard) askToken() (token, tokenFile string, err error) {
	choice, err := wiz.prompt.Select("Session token source", []string{
		"Paste the token here (stored in the config file)",
		"Path to a file holding the token (re-read when it changes)",
	})
	if err != nil {
		return "", "", fmt.Errorf("selecting token source: %w", err)
	}

	if choice == 0 {
		return wiz.prompt.Secret("Session token"), "", nil
	}
	return "", wiz.prompt.String("Token file path", ""), nil
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall(_ context.Context) error {
	if !wiz.prompt.Confirm("Install as background daemon (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: pezzosync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     pezzosync setup\n\n")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(wiz.w, "\n")

	// Install binary.
	fmt.Fprintf(wiz.w, "  Installing binary to %s...\n", BinaryInstallPath())
	if err := InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Binary installed\n")

	// Write systemd unit.
	if err := WriteUnit(homeDir); err != nil {
		return fmt.Errorf("writing systemd unit: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ systemd user unit written\n")

	// Enable and start.
	if err := EnableDaemon(); err != nil {
		return fmt.Errorf("enabling daemon: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Daemon enabled — running now\n")

	cfgPath, _ := config.DefaultPath()
	fmt.Fprintf(wiz.w, "\nSetup complete! pezzosync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s -f\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  pezzosync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  pezzosync uninstall\n\n")

	return nil
}
