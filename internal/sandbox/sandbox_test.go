package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPidOffsetDeterministicAndSpread(t *testing.T) {
	a := PidOffset(1, 1000)
	b := PidOffset(1, 1000)
	if a != b {
		t.Fatalf("PidOffset not deterministic: %d != %d", a, b)
	}
	if PidOffset(1, 1000) == PidOffset(2, 1000) {
		t.Fatalf("expected distinct offsets for distinct small ids (collision is possible but unlikely for these inputs)")
	}
	if PidOffset(5, 0) != 0 {
		t.Fatalf("zero spread should yield zero offset")
	}
}

func TestDirGuardProtectsRmdir(t *testing.T) {
	g := NewDirGuard()
	dir := t.TempDir()
	sub := filepath.Join(dir, "protected")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	g.Acquire(sub)
	if err := Wash([]FileAction{{Kind: ActionRmdir, Path: sub}}, g, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sub); err != nil {
		t.Fatalf("protected dir should not have been removed: %v", err)
	}
	g.Release(sub)
	if err := Wash([]FileAction{{Kind: ActionRmdir, Path: sub}}, g, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Fatalf("unprotected empty dir should have been removed")
	}
}

func TestWashUnlinkAndMkdir(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "target.o")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	newDir := filepath.Join(dir, "out", "nested")
	actions := []FileAction{
		{Kind: ActionUnlink, Path: f},
		{Kind: ActionMkdir, Path: newDir},
	}
	g := NewDirGuard()
	if err := Wash(actions, g, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f); !os.IsNotExist(err) {
		t.Fatalf("expected target to be unlinked")
	}
	if fi, err := os.Stat(newDir); err != nil || !fi.IsDir() {
		t.Fatalf("expected nested dir to be created: %v", err)
	}
}

func TestWashQuarantineRequiresDir(t *testing.T) {
	g := NewDirGuard()
	if err := Wash([]FileAction{{Kind: ActionQuarantine, Path: "/tmp/x"}}, g, ""); err == nil {
		t.Fatalf("expected error when no quarantine dir is configured")
	}
}

func TestSpecHasChroot(t *testing.T) {
	if (Spec{}).HasChroot() {
		t.Fatalf("empty spec should not require a chroot")
	}
	if !(Spec{TmpView: "/tmp/view"}).HasChroot() {
		t.Fatalf("a declared tmp_view should require chroot assembly")
	}
}
