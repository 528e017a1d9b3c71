package resign

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/aluedeke/ipa-resign/pkg/ipaerr"
)

const extractedDir = "extracted"

// workspace is a scratch directory owned by exactly one operation.
type workspace struct {
	dir    string
	remove func(string) error

	once sync.Once
	err  error
}

func newWorkspace(root string, remove func(string) error) (*workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create workspace root", err)
	}
	dir, err := os.MkdirTemp(root, "ipa-resign-*")
	if err != nil {
		return nil, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create workspace", err)
	}
	w := &workspace{dir: dir, remove: remove}
	if err := os.Mkdir(w.extracted(), 0755); err != nil {
		return w, ipaerr.Wrap(ipaerr.KindIO, ipaerr.CodeNone, "failed to create workspace", err)
	}
	return w, nil
}

func (w *workspace) extracted() string {
	return filepath.Join(w.dir, extractedDir)
}

// cleanup removes the workspace. Later calls return the first call's result.
func (w *workspace) cleanup() error {
	w.once.Do(func() {
		if err := w.remove(w.dir); err != nil {
			w.err = ipaerr.Wrap(ipaerr.KindCleanup, ipaerr.CodeNone, "failed to remove workspace "+w.dir, err)
		}
	})
	return w.err
}
