package deployment

import (
	"strings"

	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Entry Point Dispatcher
// =============================================================================

// StartupMode is the behavior a service process starts in. The set is closed.
type StartupMode string

const (
	ModeServe               StartupMode = "serve"
	ModeServeWithMigrations StartupMode = "serve-with-migrations"
	ModeDevelop             StartupMode = "develop"
)

// Environment flags inspected by SelectStartupMode.
const (
	EnvRunMigrations = "RUN_MIGRATIONS"
)

// developmentFlags select develop mode when any equals "development".
var developmentFlags = []string{"APP_ENV", "FLASK_ENV", "NODE_ENV"}

// SelectStartupMode chooses exactly one startup mode from a resolved
// environment. Rules, first match wins:
//   - RUN_MIGRATIONS truthy: serve-with-migrations
//   - APP_ENV, FLASK_ENV or NODE_ENV equal to "development": develop
//   - otherwise: serve
func SelectStartupMode(env map[string]string) StartupMode {
	if isTruthy(env[EnvRunMigrations]) {
		return ModeServeWithMigrations
	}
	for _, flag := range developmentFlags {
		if strings.EqualFold(strings.TrimSpace(env[flag]), "development") {
			return ModeDevelop
		}
	}
	return ModeServe
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Launch is the resolved command for one startup mode: Pre steps run to
// completion in order, then Main replaces the process.
type Launch struct {
	Mode StartupMode `json:"mode"`
	Pre  [][]string  `json:"pre,omitempty"`
	Main []string    `json:"main,omitempty"`
}

// LaunchCommand resolves the commands for mode. Develop falls back to the
// serve command when no develop command is defined. Migrations run only when
// both a migrate and a serve command exist, since they must hand over to an
// explicit main command. An empty Main means the image's default command.
func LaunchCommand(mode StartupMode, cmds topology.StartupCommands) Launch {
	l := Launch{Mode: mode, Main: cmds.Serve}

	switch mode {
	case ModeDevelop:
		if len(cmds.Develop) > 0 {
			l.Main = cmds.Develop
		}
	case ModeServeWithMigrations:
		if len(cmds.Migrate) > 0 && len(cmds.Serve) > 0 {
			l.Pre = [][]string{cmds.Migrate}
		}
	}

	return l
}

// Argv returns the container command. Pre steps are folded into one
// `sh -c` invocation that execs Main once every step succeeded.
func (l Launch) Argv() []string {
	if len(l.Pre) == 0 {
		return l.Main
	}

	parts := make([]string, 0, len(l.Pre)+1)
	for _, step := range l.Pre {
		parts = append(parts, shellJoin(step))
	}
	parts = append(parts, "exec "+shellJoin(l.Main))
	return []string{"sh", "-c", strings.Join(parts, " && ")}
}

// shellJoin quotes each argument for a POSIX shell.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
