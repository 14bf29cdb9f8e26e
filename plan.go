package sup

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
)

// injected variables (spec.md §7). SUP_NETWORK, SUP_USER and SUP_TIME
// are captured once per run and identical across every host and every
// command in that run; SUP_HOST is set per host by Plan.EnvFor.
const (
	envSupNetwork = "SUP_NETWORK"
	envSupUser    = "SUP_USER"
	envSupTime    = "SUP_TIME"
	envSupHost    = "SUP_HOST"
)

// Plan is the fully resolved unit of work: a set of remote host
// specs (already filtered), an optional bastion, the ordered commands
// to run, and the layered environment to run them with. It holds no
// local runner; Engine.Execute creates one when a command is `local`.
type Plan struct {
	Network    string
	Hosts      []HostSpec
	Bastion    *HostSpec
	Commands   []*Command
	BaseEnv    EnvList
	Time       string
	KnownHosts string
}

// PlanOptions carries everything the CLI layer collects before a Plan
// can be built.
type PlanOptions struct {
	NetworkName string
	CommandName string
	Only        string
	Except      string
	CLIEnv      EnvList
	SSHConfig   string
	KnownHosts  string
}

// BuildPlan resolves opts against sf into a Plan. It never opens a
// network connection; it only decides who to talk to and with what
// environment.
func BuildPlan(sf *Supfile, opts PlanOptions, now time.Time) (*Plan, error) {
	network, ok := sf.Networks[opts.NetworkName]
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown network %q", opts.NetworkName), Err: ErrUnknownNetwork}
	}
	if len(network.Hosts) == 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("network %q has no hosts", opts.NetworkName), Err: ErrNetworkNoHosts}
	}

	commands, err := sf.ResolveCommands(opts.CommandName)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error(), Err: ErrCmd}
	}

	hosts, err := filterHosts(network.Hosts, opts.Only, opts.Except)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, &ConfigError{Reason: "no hosts left after --only/--except filtering"}
	}

	for _, cmd := range commands {
		if cmd.Stdin && len(hosts) > 1 {
			return nil, &ConfigError{Reason: fmt.Sprintf("command %q uses stdin: true but %d hosts were selected; stdin forwarding requires exactly one host", cmd.Name, len(hosts))}
		}
	}

	resolver, err := newSSHConfigResolver(opts.SSHConfig)
	if err != nil {
		return nil, err
	}

	specs := make([]HostSpec, 0, len(hosts))
	for _, h := range hosts {
		spec, err := resolver.Resolve(h)
		if err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		specs = append(specs, spec)
	}

	var bastion *HostSpec
	if network.Bastion != "" {
		spec, err := resolver.Resolve(network.Bastion)
		if err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		bastion = &spec
	}

	baseEnv := sf.Env.Merge(network.Env).Merge(opts.CLIEnv)
	baseEnv = baseEnv.Merge(EnvList{
		{Key: envSupNetwork, Value: opts.NetworkName},
		{Key: envSupUser, Value: currentUser()},
		{Key: envSupTime, Value: now.UTC().Format(time.RFC3339)},
	})

	return &Plan{
		Network:    opts.NetworkName,
		Hosts:      specs,
		Bastion:    bastion,
		Commands:   commands,
		BaseEnv:    baseEnv,
		Time:       now.UTC().Format(time.RFC3339),
		KnownHosts: opts.KnownHosts,
	}, nil
}

// EnvFor layers SUP_HOST onto the plan's base environment for one
// host; SUP_HOST is the only injected variable that varies per host.
func (p *Plan) EnvFor(host HostSpec) EnvList {
	return p.BaseEnv.Merge(EnvList{{Key: envSupHost, Value: host.Display}})
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// filterHosts applies --only/--except regexes. Filtering commutes:
// applying --except then --only (or vice versa) yields the same set,
// since each is an independent predicate over the original list.
func filterHosts(hosts []string, only, except string) ([]string, error) {
	var onlyRe, exceptRe *regexp.Regexp
	var err error

	if only != "" {
		onlyRe, err = regexp.Compile(only)
		if err != nil {
			return nil, &ConfigError{Reason: errors.Wrapf(err, "--only pattern").Error()}
		}
	}
	if except != "" {
		exceptRe, err = regexp.Compile(except)
		if err != nil {
			return nil, &ConfigError{Reason: errors.Wrapf(err, "--except pattern").Error()}
		}
	}

	var out []string
	for _, h := range hosts {
		if onlyRe != nil && !onlyRe.MatchString(h) {
			continue
		}
		if exceptRe != nil && exceptRe.MatchString(h) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}
