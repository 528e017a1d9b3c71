package signer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

// Command signs by running an external tool such as zsign. Argv elements may
// contain the placeholders {bundle}, {cert}, {password}, {bundleid} and
// {profile}, which are replaced with the request's values.
type Command struct {
	Argv   []string
	Logger zerolog.Logger
}

// NewCommand returns a Command running argv.
func NewCommand(argv []string, logger zerolog.Logger) *Command {
	return &Command{Argv: argv, Logger: logger}
}

func (c *Command) Sign(req Request) (Outcome, error) {
	if len(c.Argv) == 0 {
		return Outcome{}, ipaerr.New(ipaerr.KindSigning, ipaerr.CodeCapabilityUnavailable, "no signing command configured")
	}
	argv := c.expand(req)
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return Outcome{}, ipaerr.Wrap(ipaerr.KindSigning, ipaerr.CodeCapabilityUnavailable,
			fmt.Sprintf("signing tool %q not found", argv[0]), err)
	}

	// the template is logged, never the expanded argv, so the passphrase
	// stays out of the logs
	c.Logger.Debug().Str("tool", path).Strs("argv", c.Argv).Str("bundle", req.BundleDir).Msg("running signing command")

	var stdout bytes.Buffer
	combined := &lockedBuffer{}
	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = combined
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(combined.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.Logger.Warn().Int("exit_code", exitErr.ExitCode()).Str("output", output).Msg("signing command failed")
			return Outcome{}, failed(fmt.Sprintf("signing command exited with status %d: %s", exitErr.ExitCode(), output), err)
		}
		return Outcome{}, failed("failed to run signing command", err)
	}
	return Outcome{Mode: ModeSigned, Detail: strings.TrimSpace(stdout.String())}, nil
}

func (c *Command) expand(req Request) []string {
	r := strings.NewReplacer(
		"{bundle}", req.BundleDir,
		"{cert}", req.CertificatePath,
		"{password}", req.Passphrase,
		"{bundleid}", req.BundleID,
		"{profile}", req.ProfilePath,
	)
	out := make([]string, len(c.Argv))
	for i, arg := range c.Argv {
		out[i] = r.Replace(arg)
	}
	return out
}

// lockedBuffer is written to from the stdout and stderr copiers at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
