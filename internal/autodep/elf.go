package autodep

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
)

// ElfDeps is the outcome of probing one executable's dynamic table: the
// libraries it will try to load: every candidate path tried is an Lnk dep,
// and the candidate that exists is also a Reg dep —"This is necessary because after load the
// actual set of tried files is no longer observable" (§4.C "ELF-aware
// probing").
type ElfDeps struct {
	RegDeps []string // resolved, existing files
	LnkDeps []string // candidates tried during resolution, whether or not they existed
}

var defaultLibDirs = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// ProbeELF parses path's dynamic table without loading it as code (elf.Open
// only maps section headers), enumerates DT_NEEDED, and walks the
// resolution path DT_RPATH, LD_LIBRARY_PATH, DT_RUNPATH, then the fixed
// default set, exactly as distri's initrd packer mirrors dynamic libraries
// into the ramdisk image (internal/build + cmd/distri/initrd.go), adapted
// here to report dep accesses instead of copying files.
func ProbeELF(path string, ldLibraryPath []string) (ElfDeps, error) {
	f, err := elf.Open(path)
	if err != nil {
		return ElfDeps{}, err
	}
	defer f.Close()

	var deps ElfDeps
	rpath, _ := f.DynString(elf.DT_RPATH)
	runpath, _ := f.DynString(elf.DT_RUNPATH)
	needed, err := f.ImportedLibraries()
	if err != nil {
		return ElfDeps{}, err
	}

	origin := filepath.Dir(path)
	searchDirs := expandOrigin(rpath, origin)
	searchDirs = append(searchDirs, ldLibraryPath...)
	searchDirs = append(searchDirs, expandOrigin(runpath, origin)...)
	searchDirs = append(searchDirs, defaultLibDirs...)

	for _, lib := range needed {
		found := false
		for _, dir := range searchDirs {
			candidate := filepath.Join(dir, lib)
			deps.LnkDeps = append(deps.LnkDeps, candidate)
			if _, err := os.Stat(candidate); err == nil {
				deps.RegDeps = append(deps.RegDeps, candidate)
				found = true
				break
			}
		}
		if !found {
			deps.LnkDeps = append(deps.LnkDeps, lib) // unresolved, reported anyway
		}
	}
	return deps, nil
}

// expandOrigin resolves the $ORIGIN token RPATH/RUNPATH entries may carry,
// relative to the executable's own directory.
func expandOrigin(entries []string, origin string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ReplaceAll(e, "$ORIGIN", origin)
		e = strings.ReplaceAll(e, "${ORIGIN}", origin)
		out = append(out, e)
	}
	return out
}
