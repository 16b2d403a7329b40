//go:build windows

package terminal

import (
	"os/exec"
	"strings"
)

// resolveShell maps a shell preference name to a concrete executable.
// Prefers PowerShell when no preference is given, falling back to cmd.exe.
func resolveShell(preference string) string {
	switch strings.ToLower(preference) {
	case "pwsh", "powershell":
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe"
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe"
		}
		return "cmd.exe"
	case "cmd":
		return "cmd.exe"
	case "":
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe"
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe"
		}
		return "cmd.exe"
	default:
		if _, err := exec.LookPath(preference); err == nil {
			return preference
		}
		return "cmd.exe"
	}
}

// shellArgs returns the arguments for starting an interactive shell.
func shellArgs(shell string) []string {
	lower := strings.ToLower(shell)
	if strings.Contains(lower, "pwsh") || strings.Contains(lower, "powershell") {
		return []string{"-NoLogo", "-NoExit"}
	}
	return nil
}
