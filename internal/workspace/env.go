package workspace

import (
	"fmt"
	"path/filepath"
)

// containerUser is the user name inside the guix container; the workspace
// is mapped to its home directory.
const containerUser = "joeuser"

// EnvironmentCommand builds the command line that starts a containerized
// guix environment for the workspace. LANG, GUIX_LOCPATH and TZDIR are
// passed through so locales and timezones work inside the container.
func (m *Manager) EnvironmentCommand(w *Workspace) []string {
	return []string{m.cfg.Programs.Guix,
		"environment", "-C", "-N",
		"-u", containerUser,
		"-E", "^(LANG|GUIX_LOCPATH|TZDIR)$",
		"--no-cwd",
		fmt.Sprintf("--share=%s=/home/%s", w.Dir, containerUser),
		fmt.Sprintf("--profile=%s", w.ProfilePath()),
	}
}

// EnvironmentExtraEnv returns the environment the container command needs:
// locale and timezone data come from the profile inside the container.
func (w *Workspace) EnvironmentExtraEnv() map[string]string {
	home := "/home/" + containerUser
	return map[string]string{
		"GUIX_LOCPATH": home + "/.guix-profile/lib/locale",
		"TZDIR":        home + "/.guix-profile/share/zoneinfo",
	}
}

// ApplicationSearchDirs lists the data directories scanned for desktop
// entries, in precedence order.
func (w *Workspace) ApplicationSearchDirs() []string {
	return []string{
		filepath.Join(w.Dir, ".local", "share"),
		filepath.Join(w.ProfilePath(), "share"),
		filepath.Join(w.GuixCurrent(), "share"),
	}
}
