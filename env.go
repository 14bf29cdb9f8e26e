package sup

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// EnvVar is a single KEY=VALUE pair, in the declaration order of the
// surrounding YAML mapping.
type EnvVar struct {
	Key   string
	Value string
}

// AsExport renders the variable as a shell-quoted export statement,
// e.g. `export FOO="bar";`.
func (v *EnvVar) AsExport() string {
	return fmt.Sprintf(`export %s="%s";`, v.Key, shellQuote(v.Value))
}

// EnvList is an ordered set of environment variables. Declaration
// order is preserved (unlike a plain Go map) because the export
// prefix built from it must be deterministic and later entries must
// be able to reference earlier ones once the remote shell expands them.
type EnvList []*EnvVar

// subshellPattern matches a `$(...)` command substitution in a raw
// YAML scalar. Values are expanded once, locally, at parse time.
var subshellPattern = regexp.MustCompile(`\$\(([^)]*)\)`)

// UnmarshalYAML preserves key order by decoding into a yaml.MapSlice
// instead of a native Go map, then evaluates any `$(shell command)`
// substitution found in each value.
//
// Values keep the text the Supfile wrote: a second decode into plain
// strings (where yaml.v2 hands back each scalar as written) means `n`,
// `yes` or `1.10` stay as spelled rather than becoming "false", "true"
// or "1.1". If any value is not a scalar, that decode fails and every
// value falls back to its %v rendering.
func (l *EnvList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw yaml.MapSlice
	if err := unmarshal(&raw); err != nil {
		return err
	}

	var text map[string]string
	if err := unmarshal(&text); err != nil {
		text = nil
	}

	list := make(EnvList, 0, len(raw))
	for _, item := range raw {
		key, ok := item.Key.(string)
		if !ok {
			return errors.Errorf("env: non-string key %v", item.Key)
		}
		value, ok := text[key]
		if !ok {
			value = fmt.Sprintf("%v", item.Value)
		}

		expanded, err := expandSubshells(value)
		if err != nil {
			return errors.Wrapf(err, "env: %s", key)
		}

		list = append(list, &EnvVar{Key: key, Value: expanded})
	}

	*l = list
	return nil
}

// expandSubshells replaces every `$(cmd)` occurrence in value with the
// trimmed stdout of running cmd through the local shell.
func expandSubshells(value string) (string, error) {
	var evalErr error
	result := subshellPattern.ReplaceAllStringFunc(value, func(match string) string {
		if evalErr != nil {
			return match
		}
		cmd := subshellPattern.FindStringSubmatch(match)[1]
		out, err := exec.Command("/bin/sh", "-c", cmd).Output()
		if err != nil {
			evalErr = errors.Wrapf(err, "evaluating `%s`", cmd)
			return match
		}
		return strings.TrimSpace(string(out))
	})
	if evalErr != nil {
		return "", evalErr
	}
	return result, nil
}

// Merge appends override on top of l: values in override replace
// values of the same key in l, new keys are appended. The result
// preserves l's ordering for keys it already has.
func (l EnvList) Merge(override EnvList) EnvList {
	result := make(EnvList, len(l))
	for i, v := range l {
		cp := *v
		result[i] = &cp
	}

	for _, ov := range override {
		found := false
		for _, existing := range result {
			if existing.Key == ov.Key {
				existing.Value = ov.Value
				found = true
				break
			}
		}
		if !found {
			cp := *ov
			result = append(result, &cp)
		}
	}
	return result
}

// AsExports renders every variable, in order, as export statements
// joined by spaces, ready to prefix a remote or local shell command.
func (l EnvList) AsExports() string {
	var b strings.Builder
	for _, v := range l {
		b.WriteString(v.AsExport())
		b.WriteByte(' ')
	}
	return b.String()
}

// Get returns the value of key and whether it was found.
func (l EnvList) Get(key string) (string, bool) {
	for _, v := range l {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Set adds or overwrites key.
func (l *EnvList) Set(key, value string) {
	for _, v := range *l {
		if v.Key == key {
			v.Value = value
			return
		}
	}
	*l = append(*l, &EnvVar{Key: key, Value: value})
}

// ParseEnvFlag parses the `-e K=V[,K=V...]` CLI flag into an EnvList.
// A bare `K` (no `=`) sets K to the empty string. Each item is split
// on commas, so a value cannot itself contain a comma.
func ParseEnvFlag(items []string) EnvList {
	var list EnvList
	for _, group := range items {
		for _, item := range strings.Split(group, ",") {
			if item == "" {
				continue
			}
			if idx := strings.IndexByte(item, '='); idx >= 0 {
				list.Set(item[:idx], item[idx+1:])
			} else {
				list.Set(item, "")
			}
		}
	}
	return list
}

// shellQuote escapes double quotes and backslashes so a value can be
// safely embedded inside a double-quoted shell string.
func shellQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
