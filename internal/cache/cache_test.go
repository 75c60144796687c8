package cache

import (
	"testing"

	"github.com/gomake/gomake/internal/jobexec"
)

func TestCacheStoreLookupRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	k := KeyFor([32]byte{1}, [32]byte{2}, [32]byte{3})
	digest := jobexec.JobDigest{Success: true, WallMS: 42}
	files := map[string][]byte{"out/a.o": []byte("hello"), "out/b.o": []byte("world")}

	if err := c.Store(k, digest, files); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, gotFiles, ok, err := c.Lookup(k)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatal("expected hit after store")
	}
	if !got.Success || got.WallMS != 42 {
		t.Fatalf("digest mismatch: %+v", got)
	}
	if string(gotFiles["out/a.o"]) != "hello" || string(gotFiles["out/b.o"]) != "world" {
		t.Fatalf("file contents mismatch: %+v", gotFiles)
	}
}

func TestCacheLookupMiss(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _, ok, err := c.Lookup(KeyFor([32]byte{9}, [32]byte{9}, [32]byte{9}))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheEvict(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	k := KeyFor([32]byte{4}, [32]byte{5}, [32]byte{6})
	if err := c.Store(k, jobexec.JobDigest{Success: true}, map[string][]byte{"x": []byte("y")}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := c.Evict(k); err != nil {
		t.Fatalf("evict: %v", err)
	}
	_, _, ok, err := c.Lookup(k)
	if err != nil {
		t.Fatalf("lookup after evict: %v", err)
	}
	if ok {
		t.Fatal("expected miss after evict")
	}
}
