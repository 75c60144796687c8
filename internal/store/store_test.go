package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gomake/gomake/internal/fingerprint"
)

// TestNodeRecordRoundTrip checks the serialization round-trip law from §8
// Testable Properties: deserialize(serialize(x)) == x, for every persistent
// record type.
func TestNodeRecordRoundTrip(t *testing.T) {
	want := NodeRecord{
		NameID:       42,
		FP:           fingerprint.Fingerprint{Tag: fingerprint.TagRegular, Hash: [32]byte{1, 2, 3}},
		ContentDate:  1234567,
		Buildability: BuildabilityYes,
		MatchGen:     7,
		ActualJobID:  9,
		ConformIdx:   -1,
		Flags:        NodeIsSource | NodeClash,
	}
	got := decodeNode(want.encode())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NodeRecord round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestJobRecordRoundTrip(t *testing.T) {
	want := JobRecord{
		RuleID: 3, Special: SpecialStepNone,
		DepsStart: 10, DepsCount: 2,
		TargetsStart: 20, TargetsCount: 1,
		LastRun: LastRunOk, Run: RunOk,
		CmdGen: 1, RsrcsGen: 2, ExecGen: 3,
		BestExecMS: 500, CostPerToken: 12, NRetries: 2,
	}
	got := decodeJob(want.encode())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("JobRecord round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDepRecordRoundTrip(t *testing.T) {
	want := DepRecord{
		Node:   5,
		Access: fingerprint.AccessReg | fingerprint.AccessStat,
		Flags:  DepStatic | DepCritical,
		FP:     fingerprint.Fingerprint{Tag: fingerprint.TagLink, Hash: [32]byte{9}},
	}
	got := decodeDep(want.encode())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DepRecord round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetRecordRoundTrip(t *testing.T) {
	want := TargetRecord{Node: 11, Flags: TargetWritten, Crc: fingerprint.Fingerprint{Tag: fingerprint.TagRegular}}
	got := decodeTarget(want.encode())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TargetRecord round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRuleRecordRoundTrip(t *testing.T) {
	want := RuleRecord{
		NameID: 1, CmdGen: 4, RsrcsGen: 5, Priority: 10,
		Flags: RuleIsAnti, Timeout: 30, StrStart: 0, StrLen: 0,
	}
	got := decodeRule(want.encode())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RuleRecord round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreOpenCloseReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	n1, err := s.InternNode("src/a.c")
	if err != nil {
		t.Fatal(err)
	}
	n2, err := s.InternNode("src/a.c")
	if err != nil {
		t.Fatal(err)
	}
	if n1 != n2 {
		t.Fatalf("InternNode not idempotent: %d != %d", n1, n2)
	}
	rec, err := s.Node(n1)
	if err != nil {
		t.Fatal(err)
	}
	rec.Flags |= NodeIsSource
	if err := s.PutNode(n1, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	name, ok := s2.NodeName(n1)
	if !ok || name != "src/a.c" {
		t.Fatalf("NodeName after reopen = %q, %v", name, ok)
	}
	rec2, err := s2.Node(n1)
	if err != nil {
		t.Fatal(err)
	}
	if !rec2.Flags.Has(NodeIsSource) {
		t.Fatalf("flags not persisted across reopen: %v", rec2.Flags)
	}
}

func TestBumpMatchGenMonotone(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	g0 := s.MatchGen
	s.BumpMatchGen()
	if s.MatchGen <= g0 {
		t.Fatalf("MatchGen did not increase: %d -> %d", g0, s.MatchGen)
	}
}
