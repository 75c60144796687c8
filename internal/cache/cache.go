// Package cache implements component J: the optional content-addressed
// artifact cache keyed by (rule cmd fingerprint, resolved static deps
// fingerprint, target set fingerprint) (§4.J). A hit returns a pre-computed
// JobDigest plus the target file contents; the engine still runs the
// pre-action wash and replays the digest as if the job had actually run.
//
// Entries are stored as a pair of files per key: a gob-encoded JobDigest
// sidecar, and a gzip-compressed cpio archive of the target contents,
// grounded on cmd/distri's own initrd-building code (cavaliercoder/go-cpio)
// for the archive format and github.com/klauspost/pgzip for the
// compression, the same parallel-gzip library the teacher already depends
// on for its package-store writer.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/jobexec"
)

// Key identifies one cache entry: sha256(cmd fp || deps fp || targets fp).
type Key [sha256.Size]byte

// KeyFor computes the cache key for a job run, per §4.J's three-part key.
func KeyFor(cmdFP, depsFP, targetsFP [sha256.Size]byte) Key {
	h := sha256.New()
	h.Write(cmdFP[:])
	h.Write(depsFP[:])
	h.Write(targetsFP[:])
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Cache is the on-disk artifact store rooted at dir.
type Cache struct {
	dir string
	mu  sync.Mutex
}

// Open creates the cache directory rooted at dir if it does not exist yet;
// entries are written lazily under their own two-char shard prefix.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("cache: mkdir %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) shardDir(k Key) string {
	s := k.String()
	return filepath.Join(c.dir, s[:2])
}

func (c *Cache) digestPath(k Key) string {
	return filepath.Join(c.shardDir(k), k.String()+".digest")
}

func (c *Cache) archivePath(k Key) string {
	return filepath.Join(c.shardDir(k), k.String()+".cpio.gz")
}

// Lookup returns the cached digest and target file contents for key, or
// ok=false on a miss (§4.J "misses fall through to actual execution").
func (c *Cache) Lookup(k Key) (digest jobexec.JobDigest, files map[string][]byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := os.ReadFile(c.digestPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return jobexec.JobDigest{}, nil, false, nil
		}
		return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: read digest: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(db)).Decode(&digest); err != nil {
		return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: decode digest: %w", err)
	}

	af, err := os.Open(c.archivePath(k))
	if err != nil {
		return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: open archive: %w", err)
	}
	defer af.Close()
	gz, err := pgzip.NewReader(af)
	if err != nil {
		return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: gzip reader: %w", err)
	}
	defer gz.Close()

	files = make(map[string][]byte)
	r := cpio.NewReader(gz)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: cpio: %w", err)
		}
		buf := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return jobexec.JobDigest{}, nil, false, xerrors.Errorf("cache: cpio read %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = buf
	}
	return digest, files, true, nil
}

// Store uploads a clean success's digest and target contents (§4.J
// "post-run, the engine uploads the digest and artifacts when the job was a
// clean success").
func (c *Cache) Store(k Key, digest jobexec.JobDigest, files map[string][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.shardDir(k), 0755); err != nil {
		return xerrors.Errorf("cache: mkdir: %w", err)
	}

	var db bytes.Buffer
	if err := gob.NewEncoder(&db).Encode(digest); err != nil {
		return xerrors.Errorf("cache: encode digest: %w", err)
	}
	if err := os.WriteFile(c.digestPath(k), db.Bytes(), 0644); err != nil {
		return xerrors.Errorf("cache: write digest: %w", err)
	}

	af, err := os.Create(c.archivePath(k))
	if err != nil {
		return xerrors.Errorf("cache: create archive: %w", err)
	}
	defer af.Close()
	gz := pgzip.NewWriter(af)
	w := cpio.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic archive layout regardless of map order

	for _, name := range names {
		content := files[name]
		hdr := &cpio.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := w.WriteHeader(hdr); err != nil {
			return xerrors.Errorf("cache: cpio header %s: %w", name, err)
		}
		if _, err := w.Write(content); err != nil {
			return xerrors.Errorf("cache: cpio write %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return xerrors.Errorf("cache: close cpio: %w", err)
	}
	return gz.Close()
}

// Evict removes a cache entry's digest and archive; an entry that is
// already absent is not an error.
func (c *Cache) Evict(k Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.digestPath(k)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(c.archivePath(k)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
