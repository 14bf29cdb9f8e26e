package sup

import (
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// remoteTarExtractCommand is the shell command run on the target to
// receive the tar stream produced by newTarStream.
func remoteTarExtractCommand(dst string) string {
	return fmt.Sprintf("mkdir -p %q && tar -C %q -xzf -", dst, dst)
}

// newTarStream shells out to the local `tar` binary to produce a
// gzip-compressed tar of src, read as a stream. archive/tar is not
// used here so that symlinks, permissions and sparse files round-trip
// exactly as the operator's system tar would produce them.
func newTarStream(src string) (io.ReadCloser, error) {
	dir := filepath.Dir(src)
	base := filepath.Base(src)

	log.Debug().Str("src", src).Msg("starting local tar")

	cmd := exec.Command("tar", "-C", dir, "-czf", "-", base)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening tar stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening tar stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting tar for %s", src)
	}

	return &tarStream{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// tarStream wraps the local tar subprocess as an io.ReadCloser,
// surfacing a non-zero exit as an error from Close.
type tarStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (t *tarStream) Read(p []byte) (int, error) { return t.stdout.Read(p) }

func (t *tarStream) Close() error {
	t.stdout.Close()
	errOut, _ := io.ReadAll(t.stderr)
	if err := t.cmd.Wait(); err != nil {
		return errors.Wrapf(err, "tar failed: %s", errOut)
	}
	return nil
}
