//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gemforge/terminal-agent/internal/config"
)

const (
	linuxBinaryPath  = "/usr/local/bin/terminal-agent"
	linuxUnitDst     = "/etc/systemd/system/terminal-agent.service"
	linuxServiceName = "terminal-agent"
)

// Embedded systemd unit. The agent talks to the kiosk browser over the
// loopback DevTools port, so the unit orders itself after the display.
const linuxUnit = `[Unit]
Description=Kiosk Terminal Agent
After=network-online.target graphical.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/terminal-agent run
WorkingDirectory=/var/lib/terminal-agent
Restart=always
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

# Security hardening
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=/var/lib/terminal-agent /var/log/terminal-agent
PrivateTmp=true
NoNewPrivileges=true

# Logging (stdout goes to journald)
StandardOutput=journal
StandardError=journal
SyslogIdentifier=terminal-agent

[Install]
WantedBy=graphical.target
`

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the terminal agent system service (systemd)",
}

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the agent as a systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminal-agent service install)")
		}

		for _, dir := range []string{config.ConfigDir(), config.GetDataDir(), "/var/log/terminal-agent"} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		if err := os.Chmod(config.GetDataDir(), 0o700); err != nil {
			return fmt.Errorf("failed to set permissions on %s: %w", config.GetDataDir(), err)
		}

		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}
		if exePath != linuxBinaryPath {
			data, err := os.ReadFile(exePath)
			if err != nil {
				return fmt.Errorf("failed to read binary: %w", err)
			}
			if err := os.WriteFile(linuxBinaryPath, data, 0o755); err != nil {
				return fmt.Errorf("failed to copy binary to %s: %w", linuxBinaryPath, err)
			}
			fmt.Printf("Binary installed to %s\n", linuxBinaryPath)
		}

		if err := os.WriteFile(linuxUnitDst, []byte(linuxUnit), 0o644); err != nil {
			return fmt.Errorf("failed to write unit file: %w", err)
		}
		fmt.Printf("Systemd unit installed to %s\n", linuxUnitDst)

		if err := systemctl("daemon-reload"); err != nil {
			return err
		}
		if err := systemctl("enable", linuxServiceName); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		fmt.Println()
		fmt.Println("Terminal agent service installed and enabled.")
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  1. Configure: %s/terminal-agent.yaml (server_url, cdp_url)\n", config.ConfigDir())
		fmt.Println("  2. Start:     sudo terminal-agent service start")
		fmt.Println("  3. Status:    terminal-agent status")
		fmt.Println("  4. Logs:      journalctl -u terminal-agent -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the agent systemd service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminal-agent service uninstall)")
		}

		// Best effort: the unit may already be stopped or disabled.
		_ = systemctl("stop", linuxServiceName)
		_ = systemctl("disable", linuxServiceName)
		_ = os.Remove(linuxUnitDst)
		_ = systemctl("daemon-reload")
		_ = os.Remove(linuxBinaryPath)

		fmt.Println("Terminal agent service uninstalled.")
		fmt.Printf("State at %s was preserved; the terminal stays paired.\n", config.GetDataDir())
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminal-agent service start)")
		}
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			return fmt.Errorf("service not installed, run 'sudo terminal-agent service install' first")
		}
		if err := systemctl("start", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("Terminal agent service started.")
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() != 0 {
			return fmt.Errorf("must run as root (sudo terminal-agent service stop)")
		}
		if err := systemctl("stop", linuxServiceName); err != nil {
			return err
		}
		fmt.Println("Terminal agent service stopped.")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(linuxUnitDst); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// systemctl status exits non-zero for a stopped unit.
		out, _ := exec.Command("systemctl", "status", linuxServiceName, "--no-pager").CombinedOutput()
		fmt.Println(strings.TrimSpace(string(out)))
		return nil
	},
}
