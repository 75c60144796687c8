package autodep

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomake/gomake/internal/fingerprint"
)

func TestResolverClassifiesRepoAndExt(t *testing.T) {
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	if err := os.MkdirAll(filepath.Join(repoRoot, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, "src", "a.c"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Roots{RepoRoot: repoRoot})

	res, err := r.Solve(Path{Name: filepath.Join(repoRoot, "src", "a.c")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindRepo || res.Real != filepath.Join("src", "a.c") {
		t.Fatalf("got %+v", res)
	}

	res2, err := r.Solve(Path{Name: "/does/not/exist/ext"})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Kind != KindExt {
		t.Fatalf("expected KindExt, got %+v", res2)
	}
}

func TestResolverTmpViewRemap(t *testing.T) {
	dir := t.TempDir()
	physical := filepath.Join(dir, "phys-tmp")
	view := "/tmp/job-view"
	r := NewResolver(Roots{RepoRoot: dir, TmpPhysical: physical, TmpView: view})

	remapped := r.remapTmp(filepath.Join(physical, "out.txt"))
	if remapped != filepath.Join(view, "out.txt") {
		t.Fatalf("remapTmp = %q", remapped)
	}
}

func TestIsSimplePath(t *testing.T) {
	cases := map[string]bool{
		"/usr/lib/libc.so.6": true,
		"/etc/passwd":        true,
		"/home/user/foo":     false,
		"relative/path":      false,
	}
	for p, want := range cases {
		if got := IsSimplePath(p); got != want {
			t.Errorf("IsSimplePath(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestCacheDeduplicatesAccesses(t *testing.T) {
	c := NewCache()
	now := time.Now()
	if !c.Observe("f", fingerprint.AccessStat, now) {
		t.Fatal("first observation should be novel")
	}
	if c.Observe("f", fingerprint.AccessStat, now) {
		t.Fatal("repeated identical access should be suppressed")
	}
	if !c.Observe("f", fingerprint.AccessReg, now) {
		t.Fatal("new access bit should not be suppressed")
	}
	c.ObserveWrite("f", now)
	if !c.Observe("f", fingerprint.AccessStat, now) {
		t.Fatal("write should reset the de-dup cache")
	}
}

func TestCacheReports(t *testing.T) {
	c := NewCache()
	c.Observe("a", fingerprint.AccessReg, time.Now())
	c.ObserveWrite("b", time.Now())
	reports := c.Reports()
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
}
