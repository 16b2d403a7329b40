//go:build !windows

package terminal

import (
	"os"
	"os/exec"
	"strings"
)

// resolveShell maps a shell preference name to a concrete executable path.
// An empty preference resolves to $SHELL, then a list of common shells,
// then /bin/sh as the last resort.
func resolveShell(preference string) string {
	switch strings.ToLower(preference) {
	case "":
		if shell := os.Getenv("SHELL"); shell != "" {
			return shell
		}
		for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
			if _, err := os.Stat(sh); err == nil {
				return sh
			}
		}
		return "/bin/sh"
	case "bash", "zsh", "fish", "sh":
		if path, err := exec.LookPath(preference); err == nil {
			return path
		}
		if candidate := "/bin/" + strings.ToLower(preference); fileExists(candidate) {
			return candidate
		}
		return "/bin/sh"
	default:
		// Explicit path or executable name
		if fileExists(preference) {
			return preference
		}
		if path, err := exec.LookPath(preference); err == nil {
			return path
		}
		return resolveShell("")
	}
}

// shellArgs returns the arguments for starting an interactive login shell.
func shellArgs(shell string) []string {
	return []string{"-l"}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
