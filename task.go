package sup

import (
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Invocation is the command compiler's output: a command specification
// translated into a concrete shell invocation, independent of which
// hosts it eventually runs on (per spec.md §4.3).
type Invocation struct {
	Command *Command
	Mode    Mode

	// Script is the shell command line to run, for ModeRun, ModeLocal
	// and ModeScript. Empty for ModeUpload.
	Script string

	// Stdin is the fixed byte source piped into the remote/local
	// process: a script file's content for ModeScript, or the
	// invoker's terminal for a `stdin: true` interactive command.
	Stdin io.Reader

	WantTTY bool

	// Uploads is non-empty only for ModeUpload.
	Uploads []Upload

	Once   bool
	Serial int
}

// sudoPattern matches a script that begins (after leading whitespace)
// with `sudo`.
var sudoPattern = regexp.MustCompile(`^\s*sudo\s+(.*)$`)

// rewriteSudo preserves exported environment variables across a sudo
// boundary by wrapping the sudo'd portion in `sudo -E bash -c '...'`.
func rewriteSudo(script string) string {
	m := sudoPattern.FindStringSubmatch(script)
	if m == nil {
		return script
	}
	body := strings.Join(strings.Fields(m[1]), " ")
	return "sudo -E bash -c '" + strings.ReplaceAll(body, "'", `'"'"'`) + "'"
}

// compileCommand translates cmd into an Invocation. forwardStdin, when
// non-nil, is wired in only for a `stdin: true` run/local command;
// callers pass os.Stdin for that case.
func compileCommand(cmd *Command, forwardStdin io.Reader) (*Invocation, error) {
	mode, err := cmd.Mode()
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		Command: cmd,
		Mode:    mode,
		Once:    cmd.Once,
		Serial:  cmd.Serial,
	}

	switch mode {
	case ModeRun:
		inv.Script = rewriteSudo(cmd.Run)
		if cmd.Stdin {
			inv.Stdin = forwardStdin
			inv.WantTTY = true
		}

	case ModeLocal:
		inv.Script = rewriteSudo(cmd.Local)
		inv.Once = true
		if cmd.Stdin {
			inv.Stdin = forwardStdin
			inv.WantTTY = true
		}

	case ModeScript:
		resolved, err := resolveScriptPath(cmd.Script)
		if err != nil {
			return nil, errors.Wrapf(err, "command %q", cmd.Name)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, errors.Wrapf(err, "reading script %q", resolved)
		}
		inv.Script = "sh"
		inv.Stdin = strings.NewReader(string(data))

	case ModeUpload:
		inv.Uploads = cmd.Upload
	}

	return inv, nil
}

// resolveScriptPath expands `~` in a script path, matching how a
// remote command's environment is expanded by the local shell rather
// than string substitution done by the engine itself.
func resolveScriptPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home + path[1:], nil
}
