// Package sup implements the execution engine of a parallel
// remote-execution orchestrator: given a resolved Plan it establishes
// transport sessions to every selected host, multiplexes their stdout
// and stderr back to the invoker with a host-identifying prefix, and
// aggregates exit status.
package sup

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"
)

// Supfile is the parsed configuration document.
type Supfile struct {
	Version  string              `yaml:"version"`
	Env      EnvList             `yaml:"env"`
	Networks map[string]*Network `yaml:"networks"`
	Commands map[string]*Command `yaml:"commands"`
	Targets  map[string][]string `yaml:"targets"`
}

// Network is a named group of hosts plus a network-scoped environment.
type Network struct {
	Hosts     []string `yaml:"hosts"`
	Inventory string   `yaml:"inventory"`
	Bastion   string   `yaml:"bastion"`
	Env       EnvList  `yaml:"env"`
}

// Upload describes one {src, dst} pair of an `upload` command.
type Upload struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// Command is a named record with mutually partially-exclusive
// execution modes: Run, Local, Upload, Script.
type Command struct {
	Name   string `yaml:"-"`
	Desc   string `yaml:"desc"`
	Run    string `yaml:"run"`
	Local  string `yaml:"local"`
	Script string `yaml:"script"`

	Upload []Upload `yaml:"upload"`

	Stdin  bool `yaml:"stdin"`
	Once   bool `yaml:"once"`
	Serial int  `yaml:"serial"`
}

// NewSupfile parses raw YAML bytes into a Supfile. It accepts bytes,
// not a path, so callers (and tests) can build configuration in
// memory without touching disk.
func NewSupfile(data []byte) (*Supfile, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var conf Supfile
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, errors.Wrap(err, "parsing Supfile")
	}

	switch conf.Version {
	case "", "0.1", "0.2", "0.3", "0.4":
		// Every version accepted by this implementation.
	default:
		return nil, errors.Errorf("unsupported Supfile version %q", conf.Version)
	}

	for name, cmd := range conf.Commands {
		cmd.Name = name
		if cmd.Serial < 0 {
			return nil, errors.Errorf("command %q: serial must be >= 1", name)
		}
	}

	for name, network := range conf.Networks {
		hosts, err := network.resolveInventory()
		if err != nil {
			return nil, errors.Wrapf(network.wrapErr(err), "network %q", name)
		}
		network.Hosts = append(network.Hosts, hosts...)
	}

	return &conf, nil
}

func (n *Network) wrapErr(err error) error { return err }

// resolveInventory runs the network's inventory expression, if any,
// and returns the newline-separated host list it produced. Comments
// (lines starting with #) and blank lines are skipped. Resolution
// happens once, when NewSupfile parses the document (for every network
// it declares); neither BuildPlan nor the engine re-runs it.
func (n *Network) resolveInventory() ([]string, error) {
	if n.Inventory == "" {
		return nil, nil
	}

	log.Debug().Str("inventory", n.Inventory).Msg("running inventory command")

	cmd := exec.Command("/bin/sh", "-c", n.Inventory)
	cmd.Stderr = os.Stderr

	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "inventory command failed")
	}

	var hosts []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading inventory output")
	}

	return hosts, nil
}

// Command looks up a single command by name.
func (s *Supfile) Command(name string) (*Command, bool) {
	cmd, ok := s.Commands[name]
	return cmd, ok
}

// ResolveCommands expands `name` into an ordered list of commands: if
// it names a target, the target's command sequence; otherwise, if it
// names a single command, that one command.
func (s *Supfile) ResolveCommands(name string) ([]*Command, error) {
	if steps, ok := s.Targets[name]; ok {
		commands := make([]*Command, 0, len(steps))
		for _, step := range steps {
			cmd, ok := s.Command(step)
			if !ok {
				return nil, errors.Wrapf(ErrCmd, "target %q references unknown command %q", name, step)
			}
			commands = append(commands, cmd)
		}
		return commands, nil
	}

	if cmd, ok := s.Command(name); ok {
		return []*Command{cmd}, nil
	}

	return nil, fmt.Errorf("%q: %w", name, ErrCmd)
}

// Mode reports the command's single execution mode. A command that
// declares none or more than one of Run/Local/Script/Upload is
// rejected by Mode with an error; BuildPlan does not check this, and
// Engine.Execute reports it before contacting any host.
type Mode int

const (
	ModeInvalid Mode = iota
	ModeRun
	ModeLocal
	ModeScript
	ModeUpload
)

func (c *Command) Mode() (Mode, error) {
	set := 0
	mode := ModeInvalid
	if c.Run != "" {
		set++
		mode = ModeRun
	}
	if c.Local != "" {
		set++
		mode = ModeLocal
	}
	if c.Script != "" {
		set++
		mode = ModeScript
	}
	if len(c.Upload) > 0 {
		set++
		mode = ModeUpload
	}
	switch set {
	case 0:
		return ModeInvalid, errors.Errorf("command %q: no run/local/script/upload specified", c.Name)
	case 1:
		return mode, nil
	default:
		return ModeInvalid, errors.Errorf("command %q: exactly one of run/local/script/upload is allowed", c.Name)
	}
}
