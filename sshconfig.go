package sup

import (
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/mikkeloscar/sshconfig"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// HostSpec is a resolved remote endpoint: display name (the raw
// `user@address[:port]` token used for output prefixing), connect
// address, login user, port and identity file.
type HostSpec struct {
	Display      string
	User         string
	Address      string
	Port         int
	IdentityFile string
}

// String returns the display form: the host token exactly as the
// Supfile wrote it, not the resolved user, address and port.
func (h HostSpec) String() string {
	return h.Display
}

// sshConfigResolver expands ~/.ssh/config (or a path given via
// --ssh-config, mainly for tests) aliases into connection defaults.
// It is a thin, memoized wrapper around mikkeloscar/sshconfig.
type sshConfigResolver struct {
	byAlias map[string]*sshconfig.SSHHost
}

func newSSHConfigResolver(path string) (*sshConfigResolver, error) {
	r := &sshConfigResolver{byAlias: map[string]*sshconfig.SSHHost{}}

	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return r, nil // no home dir, no config, not fatal
		}
		path = home + "/.ssh/config"
	}

	if _, err := os.Stat(path); err != nil {
		return r, nil // absent config is not an error
	}

	hosts, err := sshconfig.ParseSSHConfig(path)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing ssh config %s", path)
	}

	for _, h := range hosts {
		for _, alias := range h.Host {
			r.byAlias[alias] = h
		}
	}
	return r, nil
}

// Resolve parses a `[user@]host[:port]` token, then overlays any
// matching ~/.ssh/config entry as defaults for fields left unset:
// explicit values in the token always win over the config file.
func (r *sshConfigResolver) Resolve(token string) (HostSpec, error) {
	display := strings.TrimPrefix(token, "ssh://")
	if strings.Contains(display, "/") {
		return HostSpec{}, errors.Errorf("host %q: unexpected slash", token)
	}

	spec := HostSpec{Display: token}

	rest := display
	if at := strings.IndexByte(rest, '@'); at != -1 {
		spec.User = rest[:at]
		rest = rest[at+1:]
	}

	spec.Address = rest
	if colon := strings.LastIndexByte(rest, ':'); colon != -1 {
		spec.Address = rest[:colon]
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil {
			return HostSpec{}, errors.Errorf("host %q: invalid port", token)
		}
		spec.Port = port
	}

	if cfg, ok := r.byAlias[spec.Address]; ok {
		// The token's host component named an alias, not a real
		// address; the alias's own text carries no connection info,
		// so let the config's HostName take its place before merging
		// in whatever the token left unset (explicit user/port from
		// the token still win over the config file).
		explicit := spec
		explicit.Address = ""
		fromConfig := HostSpec{
			User:         cfg.User,
			Address:      cfg.HostName,
			Port:         cfg.Port,
			IdentityFile: cfg.IdentityFile,
		}
		if err := mergo.Merge(&explicit, fromConfig); err != nil {
			return HostSpec{}, errors.Wrap(err, "merging ssh config defaults")
		}
		explicit.Display = spec.Display
		spec = explicit
	}

	if spec.User == "" {
		spec.User = os.Getenv("USER")
	}
	if spec.Port == 0 {
		spec.Port = 22
	}
	if spec.IdentityFile != "" {
		expanded, err := homedir.Expand(spec.IdentityFile)
		if err != nil {
			return HostSpec{}, errors.Wrap(err, "expanding identity file path")
		}
		spec.IdentityFile = expanded
	}

	return spec, nil
}
