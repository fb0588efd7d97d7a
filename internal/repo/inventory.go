// Package repo inspects the on-disk repository store. The store is the
// source of truth for what exists on a storage node; the inventory walks
// it instead of trusting any side-channel bookkeeping.
package repo

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/getturnip/turnip/internal/gitutil"
)

// Info describes one bare repository found in the store.
type Info struct {
	Pathname     string `json:"pathname"`
	LooseObjects int    `json:"loose_objects"`
	Packs        int    `json:"packs"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Inventory walks a repository store root.
type Inventory struct {
	root string
}

func NewInventory(root string) *Inventory {
	return &Inventory{root: root}
}

// List returns every bare repository under the root, sorted by pathname.
// Directories inside a repository are not descended into.
func (inv *Inventory) List() ([]Info, error) {
	var repos []Info
	err := filepath.WalkDir(inv.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A repo vanishing mid-walk is routine on a busy node.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || path == inv.root {
			return nil
		}
		if !gitutil.IsRepository(path) {
			return nil
		}
		rel, relErr := filepath.Rel(inv.root, path)
		if relErr != nil {
			return relErr
		}
		loose, packs := gitutil.ObjectStats(path)
		repos = append(repos, Info{
			Pathname:     filepath.ToSlash(rel),
			LooseObjects: loose,
			Packs:        packs,
			SizeBytes:    dirSize(path),
		})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Pathname < repos[j].Pathname })
	return repos, nil
}

// Count returns how many bare repositories the store holds.
func (inv *Inventory) Count() (int, error) {
	repos, err := inv.List()
	if err != nil {
		return 0, err
	}
	return len(repos), nil
}

// Exists reports whether pathname names a repository in the store.
func (inv *Inventory) Exists(pathname string) bool {
	path, err := gitutil.ComposePath(inv.root, strings.TrimPrefix(pathname, "/"))
	if err != nil {
		return false
	}
	return gitutil.IsRepository(path)
}

func dirSize(path string) int64 {
	var size int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			size += fi.Size()
		}
		return nil
	})
	return size
}
