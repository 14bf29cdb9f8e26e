package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"testing"
)

// matcher expresses expectations over the per-server output buffers a
// mock SSH environment collects: which servers were talked to, and
// what commands/exports were sent to them.
type matcher struct {
	outputs       []bytes.Buffer
	t             *testing.T
	activeServers []int
}

func newMatcher(outputs []bytes.Buffer, t *testing.T) matcher {
	return matcher{outputs: outputs, t: t}
}

func (m *matcher) expectActivityOnServers(servers ...int) {
	m.activeServers = servers
	m.onEachActiveServer(func(server int, output string) {
		if len(output) == 0 {
			m.t.Errorf("expected activity on server #%d", server)
		}
	})
}

func (m *matcher) expectNoActivityOnServers(servers ...int) {
	for _, server := range servers {
		if server >= len(m.outputs) || server < 0 {
			m.t.Errorf("output from server #%d not provided", server)
			return
		}
		if m.outputs[server].Len() > 0 {
			m.t.Errorf("expected no activity on server #%d:\n%s", server, m.outputs[server].String())
		}
	}
}

func (m matcher) expectExportOnActiveServers(export string) {
	m.onEachActiveServer(func(server int, output string) {
		for _, line := range strings.Split(output, "\n") {
			if line == "" {
				continue
			}
			if !strings.Contains(line, fmt.Sprintf("export %s;", export)) {
				m.t.Errorf("command on server #%d does not export `%s`:\n%s", server, export, line)
			}
		}
	})
}

func (m matcher) expectExportRegexpOnActiveServers(pattern string) {
	re := regexp.MustCompile(pattern)
	m.onEachActiveServer(func(server int, output string) {
		for _, line := range strings.Split(output, "\n") {
			if line == "" {
				continue
			}
			if !re.MatchString(line) {
				m.t.Errorf("command on server #%d does not match export pattern `%s`:\n%s", server, pattern, line)
			}
		}
	})
}

func (m matcher) expectCommandOnActiveServers(command string) {
	m.onEachActiveServer(func(server int, output string) {
		for _, line := range strings.Split(output, "\n") {
			if strings.HasSuffix(line, fmt.Sprintf(" %s", command)) {
				return
			}
		}
		m.t.Errorf("no command on server #%d executed `%s`:\n%s", server, command, output)
	})
}

func (m matcher) onEachActiveServer(expectation func(server int, output string)) {
	for _, server := range m.activeServers {
		if server >= len(m.outputs) || server < 0 {
			m.t.Errorf("output from server #%d not provided", server)
			return
		}
		expectation(server, strings.TrimSpace(m.outputs[server].String()))
	}
}
