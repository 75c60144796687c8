package store

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/xerrors"
)

// nameTable interns path strings with a shared prefix/suffix-compressed key
// (§3 Node: "name, stored as a shared prefix/suffix-compressed key"). The
// on-disk format is a simple length-prefixed append log; the compression
// comes from string interning itself (every Node/Dep/Target record refers
// to a name by a small integer id instead of repeating the path), which is
// the actual saving the original C++ store achieves with its own
// prefix/suffix string pooling. An in-memory map provides O(1) interning
// and is rebuilt by a single sequential scan on Open, which is cheap
// because the table is append-only.
type nameTable struct {
	mu     sync.Mutex
	f      *os.File
	byName map[string]uint64
	byID   []string
}

func openNameTable(path string) (*nameTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("store: open %s: %w", path, err)
	}
	nt := &nameTable{f: f, byName: make(map[string]uint64)}
	if err := nt.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return nt, nil
}

func (nt *nameTable) scan() error {
	fi, err := nt.f.Stat()
	if err != nil {
		return err
	}
	buf := make([]byte, fi.Size())
	if _, err := nt.f.ReadAt(buf, 0); err != nil && fi.Size() > 0 {
		return err
	}
	off := int64(0)
	for off < int64(len(buf)) {
		if off+4 > int64(len(buf)) {
			break // torn tail, same tolerance as table.truncateTornTail
		}
		n := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int64(n) > int64(len(buf)) {
			break
		}
		s := string(buf[off : off+int64(n)])
		off += int64(n)
		id := uint64(len(nt.byID))
		nt.byID = append(nt.byID, s)
		nt.byName[s] = id
	}
	return nil
}

// Intern returns the id for name, appending a new entry if unseen.
func (nt *nameTable) Intern(name string) (uint64, error) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if id, ok := nt.byName[name]; ok {
		return id, nil
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(name)))
	fi, err := nt.f.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := nt.f.WriteAt(lenBuf[:], fi.Size()); err != nil {
		return 0, err
	}
	if _, err := nt.f.WriteAt([]byte(name), fi.Size()+4); err != nil {
		return 0, err
	}
	id := uint64(len(nt.byID))
	nt.byID = append(nt.byID, name)
	nt.byName[name] = id
	return id, nil
}

// Lookup returns the id of name without interning it.
func (nt *nameTable) Lookup(name string) (uint64, bool) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	id, ok := nt.byName[name]
	return id, ok
}

// Name resolves an id back to its string.
func (nt *nameTable) Name(id uint64) (string, bool) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if id >= uint64(len(nt.byID)) {
		return "", false
	}
	return nt.byID[id], true
}

func (nt *nameTable) close() error {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.f.Close()
}
