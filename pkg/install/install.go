// Package install hands a resigned IPA to a device installer.
package install

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned when no installer is configured or the
// configured tool cannot be found.
var ErrUnavailable = errors.New("install capability unavailable")

// Installer installs the archive at archivePath and returns a human-readable
// summary of what happened.
type Installer interface {
	Install(archivePath string) (string, error)
}

// Command installs by running an external tool, e.g.
// ["ideviceinstaller", "-i", "{ipa}"]. The {ipa} placeholder is replaced with
// the archive path.
type Command struct {
	Argv   []string
	Logger zerolog.Logger
}

func (c *Command) Install(archivePath string) (string, error) {
	if len(c.Argv) == 0 {
		return "", ErrUnavailable
	}
	argv := make([]string, len(c.Argv))
	for i, arg := range c.Argv {
		argv[i] = strings.ReplaceAll(arg, "{ipa}", archivePath)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnavailable, argv[0], err)
	}

	c.Logger.Info().Str("tool", path).Str("ipa", archivePath).Msg("installing")
	var out bytes.Buffer
	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("install command failed: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}
