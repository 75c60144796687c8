package autodep

import (
	"time"

	"github.com/gomake/gomake/internal/fingerprint"
)

// FileReport is the per-file observation the record layer exposes to the
// engine (§4.C "Reporting model").
type FileReport struct {
	File        string
	Accesses    fingerprint.Access
	Write       bool
	Unlink      bool
	FirstRead   time.Time
	WriteTime   time.Time
	PreReadFP   fingerprint.Fingerprint // zero value if the access couldn't observe identity
	TFlagsAdded string                  // flag adjustments requested by the job (rare; usually empty)
	TFlagsRmvd  string
}

// cacheEntry is the per-file de-dup state: "a per-job cache maps file to
// (accesses-ever, accesses-after-seen)" (§4.C "Access de-duplication").
type cacheEntry struct {
	everSeen  fingerprint.Access
	afterSeen fingerprint.Access // accesses observed since the file was last (re)created
}

// Cache is the per-job access de-duplication table plus the accumulated
// FileReport for every file touched so far.
type Cache struct {
	entries map[string]*cacheEntry
	reports map[string]*FileReport
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry), reports: make(map[string]*FileReport)}
}

// Observe records one access to file, returning false if it reveals no new
// information and should be dropped (§4.C: "a new access that reveals no
// new bit is dropped").
func (c *Cache) Observe(file string, acc fingerprint.Access, now time.Time) bool {
	e, ok := c.entries[file]
	if !ok {
		e = &cacheEntry{}
		c.entries[file] = e
	}
	r, ok := c.reports[file]
	if !ok {
		r = &FileReport{File: file}
		c.reports[file] = r
	}
	novel := acc &^ e.afterSeen
	if novel == 0 {
		return false
	}
	e.everSeen |= acc
	e.afterSeen |= acc
	r.Accesses |= acc
	if r.FirstRead.IsZero() && (acc.Has(fingerprint.AccessReg) || acc.Has(fingerprint.AccessLnk)) {
		r.FirstRead = now
	}
	return true
}

// ObserveWrite records that file was (or is about to be) written, resetting
// the de-dup cache for it (§4.C: "a write always resets the cache for that
// file").
func (c *Cache) ObserveWrite(file string, now time.Time) {
	c.entries[file] = &cacheEntry{}
	r, ok := c.reports[file]
	if !ok {
		r = &FileReport{File: file}
		c.reports[file] = r
	}
	r.Write = true
	r.WriteTime = now
	r.Unlink = false
}

// ObserveUnlink records that file was removed.
func (c *Cache) ObserveUnlink(file string) {
	r, ok := c.reports[file]
	if !ok {
		r = &FileReport{File: file}
		c.reports[file] = r
	}
	r.Unlink = true
}

// SetPreReadFP attaches the pre-read content fingerprint the first time it
// is observable for file (§4.C: "a pre-read content-fingerprint (when the
// access could observe file identity)").
func (c *Cache) SetPreReadFP(file string, fp fingerprint.Fingerprint) {
	r, ok := c.reports[file]
	if !ok {
		r = &FileReport{File: file}
		c.reports[file] = r
	}
	if r.PreReadFP.Tag == fingerprint.TagNone {
		r.PreReadFP = fp
	}
}

// Reports returns every accumulated FileReport, for the End-of-job digest
// step (§4.E step 6).
func (c *Cache) Reports() []FileReport {
	out := make([]FileReport, 0, len(c.reports))
	for _, r := range c.reports {
		out = append(out, *r)
	}
	return out
}
