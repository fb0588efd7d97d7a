package repo

import (
	"os"
	"path/filepath"
	"testing"
)

// fabricateRepo lays out just enough of a bare repository for the
// inventory to recognize it.
func fabricateRepo(t *testing.T, root, pathname string) {
	t.Helper()
	dir := filepath.Join(root, pathname)
	for _, sub := range []string{"objects/pack", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "HEAD"),
		[]byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListFindsBareRepos(t *testing.T) {
	root := t.TempDir()
	fabricateRepo(t, root, "beta")
	fabricateRepo(t, root, "alpha")
	fabricateRepo(t, root, "nested/gamma")
	if err := os.MkdirAll(filepath.Join(root, "not-a-repo"), 0o755); err != nil {
		t.Fatal(err)
	}

	repos, err := NewInventory(root).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(repos) != 3 {
		t.Fatalf("found %d repos, want 3: %+v", len(repos), repos)
	}
	// Sorted by pathname.
	want := []string{"alpha", "beta", "nested/gamma"}
	for i, name := range want {
		if repos[i].Pathname != name {
			t.Errorf("repos[%d].Pathname = %q, want %q", i, repos[i].Pathname, name)
		}
	}
}

func TestListCountsObjects(t *testing.T) {
	root := t.TempDir()
	fabricateRepo(t, root, "project")
	objects := filepath.Join(root, "project", "objects")
	if err := os.MkdirAll(filepath.Join(objects, "ab"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"ab/cdef0123", "ab/cdef4567"} {
		if err := os.WriteFile(filepath.Join(objects, f), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(objects, "pack", "pack-1.pack"),
		[]byte("PACK"), 0o644); err != nil {
		t.Fatal(err)
	}

	repos, err := NewInventory(root).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("found %d repos", len(repos))
	}
	if repos[0].LooseObjects != 2 || repos[0].Packs != 1 {
		t.Errorf("stats = %d loose / %d packs, want 2/1",
			repos[0].LooseObjects, repos[0].Packs)
	}
	if repos[0].SizeBytes == 0 {
		t.Error("SizeBytes should be non-zero")
	}
}

func TestListDoesNotDescendIntoRepos(t *testing.T) {
	root := t.TempDir()
	fabricateRepo(t, root, "outer")
	// A directory inside a repository that happens to look like one
	// must not be reported separately.
	fabricateRepo(t, root, "outer/modules/inner")

	repos, err := NewInventory(root).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(repos) != 1 || repos[0].Pathname != "outer" {
		t.Errorf("repos = %+v, want just outer", repos)
	}
}

func TestCount(t *testing.T) {
	root := t.TempDir()
	fabricateRepo(t, root, "a")
	fabricateRepo(t, root, "b")

	n, err := NewInventory(root).Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	fabricateRepo(t, root, "project")
	inv := NewInventory(root)

	if !inv.Exists("/project") {
		t.Error("Exists should find /project")
	}
	if !inv.Exists("project") {
		t.Error("Exists should find project without the leading slash")
	}
	if inv.Exists("/missing") {
		t.Error("Exists reported a missing repo")
	}
	if inv.Exists("/../outside") {
		t.Error("Exists must reject paths escaping the store")
	}
}
