package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// setupMockEnv spins up count in-process SSH servers on localhost,
// each accepting the same generated key pair, and writes an
// ssh_config-style file naming them server0, server1, ... . It
// returns one output buffer per server (every exec request received
// is appended as `export ...; command\n`), the config file's path,
// and a cleanup func that removes the temporary directory.
func setupMockEnv(sshConfigFilename string, count int) ([]bytes.Buffer, string, func(), error) {
	dir, err := os.MkdirTemp("", "sup-mock-ssh")
	if err != nil {
		return nil, "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	privateKeyPath := filepath.Join(dir, "gotest_private_key")
	authorizedKeysPath := filepath.Join(dir, "authorized_keys")

	if err := generateKeyPair(privateKeyPath, authorizedKeysPath); err != nil {
		cleanup()
		return nil, "", nil, err
	}

	outputs := make([]bytes.Buffer, count)
	addresses := make([]string, count)
	for i := 0; i < count; i++ {
		if err := runTestServer(authorizedKeysPath, &addresses[i], &outputs[i]); err != nil {
			cleanup()
			return nil, "", nil, err
		}
	}

	sshConfigPath := filepath.Join(dir, sshConfigFilename)
	if err := writeSSHConfigFile(privateKeyPath, sshConfigPath, addresses); err != nil {
		cleanup()
		return nil, "", nil, err
	}

	return outputs, sshConfigPath, cleanup, nil
}

func generateKeyPair(privateKeyPath, authorizedKeysPath string) error {
	privateKey, err := generatePrivateRSAKey()
	if err != nil {
		return err
	}
	if err := writePrivateKeyToFile(privateKey, privateKeyPath); err != nil {
		return err
	}

	pub, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(authorizedKeysPath, ssh.MarshalAuthorizedKey(pub), 0o600)
}

func generatePrivateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

func writePrivateKeyToFile(privateKey *rsa.PrivateKey, path string) error {
	block := pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)}
	return os.WriteFile(path, pem.EncodeToMemory(&block), 0o600)
}

func runTestServer(authorizedKeysPath string, addr *string, out io.Writer) error {
	authorizedKeys, err := loadAuthorizedKeys(authorizedKeysPath)
	if err != nil {
		return err
	}

	config, err := buildServerConfig(authorizedKeys)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return errors.Wrap(err, "listening for mock ssh server")
	}
	*addr = listener.Addr().String()

	go sshListen(config, listener, out)
	return nil
}

func buildServerConfig(authorizedKeys map[string]bool) (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if authorizedKeys[string(pubKey.Marshal())] {
				return &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": fingerprintSHA256(pubKey)}}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}

	key, err := generatePrivateRSAKey()
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, err
	}
	config.AddHostKey(signer)
	return config, nil
}

func sshListen(config *ssh.ServerConfig, listener net.Listener, out io.Writer) {
	nConn, err := listener.Accept()
	if err != nil {
		return
	}
	_, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}

		go func(in <-chan *ssh.Request) {
			defer channel.Close()
			for req := range in {
				switch req.Type {
				case "pty-req":
					req.Reply(true, nil)
				case "exec":
					var payload struct{ Command string }
					ssh.Unmarshal(req.Payload, &payload)
					fmt.Fprintln(out, payload.Command)
					req.Reply(true, nil)
					channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
					channel.Close()
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}(requests)
	}
}

func fingerprintSHA256(pubKey ssh.PublicKey) string {
	sum := sha256.Sum256(pubKey.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

func loadAuthorizedKeys(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	keys := map[string]bool{}
	for len(data) > 0 {
		pubKey, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, err
		}
		keys[string(pubKey.Marshal())] = true
		data = rest
	}
	return keys, nil
}

// writeSSHConfigFile names the mock servers server0, server1, ... so
// Supfile host lists can reference them by alias.
func writeSSHConfigFile(privateKeyPath, sshConfigPath string, addresses []string) error {
	type record struct {
		Host, Port, IdentityFile string
	}
	records := make([]record, len(addresses))
	for i, addr := range addresses {
		records[i] = record{
			Host:         fmt.Sprintf("server%d", i),
			Port:         strings.Split(addr, ":")[1],
			IdentityFile: privateKeyPath,
		}
	}

	const tpl = `
{{range .}}
Host {{.Host}}
  HostName localhost
  Port {{.Port}}
  IdentityFile {{.IdentityFile}}
{{end}}
`
	t, err := template.New("ssh_config").Parse(tpl)
	if err != nil {
		return err
	}

	f, err := os.Create(sshConfigPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return t.Execute(f, records)
}
