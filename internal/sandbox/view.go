// Package sandbox implements component D: assembling the namespace, mount,
// and chroot environment a job runs inside, plus the pre-action wash and
// post-job cleanup (§4.D).
package sandbox

// ViewKind is the mechanism backing one declared view (§4.D step 3).
type ViewKind int

const (
	ViewBind ViewKind = iota
	ViewOverlay
	ViewTmpfs
	ViewFuse
	ViewImage // loop-mounted read-only image file, e.g. a cache (J) artifact archive
)

// View is one entry of a rule's declared view list (§4.D step 2-3; GLOSSARY
// "View"). Path is where the job sees it; Kind selects how Src is
// interpreted.
type View struct {
	Path        string
	Kind        ViewKind
	Src         []string // 1 entry for Bind/Image, N for Overlay, first entry is the backing dir for Fuse, unused for Tmpfs
	TmpfsSizeMB uint32
	ImageFSType string // fstype for ViewImage, defaults to "squashfs"
}

// Spec is everything needed to assemble one job's sandbox (§4.D steps 1-5).
type Spec struct {
	ChrootDir string // rule's declared chroot_dir source, empty if none
	RootView  string // rule's declared root_view, empty if none
	TmpView   string
	TmpPhysical string
	Views     []View
	Cwd       string
	SmallID   uint32 // used to compute the deterministic first-pid offset (step 5)
}

// HasChroot reports whether any assembly is needed at all — a rule with no
// chroot_dir, no root_view, no tmp_view and no views at all runs directly
// in the repo (§4.D step 2: "If the rule declares...").
func (s Spec) HasChroot() bool {
	return s.ChrootDir != "" || s.RootView != "" || s.TmpView != "" || len(s.Views) > 0
}
