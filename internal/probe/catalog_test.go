package probe_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"boundary/internal/probe"
	pkgerrors "boundary/pkg/errors"
)

func writeBinary(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	return path
}

func TestParseCatalog(t *testing.T) {
	dir := t.TempDir()
	passwd := writeBinary(t, dir, "read_passwd", 0755)
	bomb := writeBinary(t, dir, "fd_bomb", 0755)

	data := fmt.Sprintf(`
probes:
  - name: read_passwd
    category: filesystem_escape
    binary: %s
    args: ["/etc/passwd"]
    markers:
      breach: ["shadow entry dumped"]
  - name: fd_bomb
    category: fd_exhaustion
    command: "%s --limit 4096"
    expect: Bounded
    ceilings:
      open_files: 128
      wall_time_ms: 2000
`, passwd, bomb)

	cat, err := probe.Parse([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 probes, got %d", cat.Len())
	}

	first := cat.Probes[0]
	if first.Expect != probe.ExpectBlocked {
		t.Fatalf("expected default expectation Blocked, got %s", first.Expect)
	}
	if first.Ceilings.WallTimeMs == 0 || first.Ceilings.CaptureKB == 0 {
		t.Fatalf("expected default ceilings to be filled, got %+v", first.Ceilings)
	}
	if len(first.Args) != 1 || first.Args[0] != "/etc/passwd" {
		t.Fatalf("unexpected args %v", first.Args)
	}
	if len(first.Markers.Breach) != 1 || first.Markers.Breach[0] != "shadow entry dumped" {
		t.Fatalf("unexpected marker overrides %+v", first.Markers)
	}
	if len(first.Markers.Blocked) != 0 {
		t.Fatalf("expected no blocked overrides, got %+v", first.Markers.Blocked)
	}

	second := cat.Probes[1]
	if second.Binary != bomb {
		t.Fatalf("expected command to set binary %s, got %s", bomb, second.Binary)
	}
	if len(second.Args) != 2 || second.Args[0] != "--limit" {
		t.Fatalf("expected command args split, got %v", second.Args)
	}
	if second.Ceilings.OpenFiles != 128 {
		t.Fatalf("expected explicit open_files kept, got %d", second.Ceilings.OpenFiles)
	}
	if second.Ceilings.WallTimeMs != 2000 {
		t.Fatalf("expected explicit wall_time_ms kept, got %d", second.Ceilings.WallTimeMs)
	}
	if second.Ceilings.PIDs == 0 {
		t.Fatalf("expected default pids ceiling filled, got %+v", second.Ceilings)
	}
	if second.Expect != probe.ExpectBounded {
		t.Fatalf("expected Bounded, got %s", second.Expect)
	}
}

func TestParseCatalogMissingBinary(t *testing.T) {
	data := `
probes:
  - name: ghost
    category: network_egress
    binary: /nonexistent/probe-bin
`
	_, err := probe.Parse([]byte(data))
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ProbeBinaryMissing {
		t.Fatalf("expected ProbeBinaryMissing, got %v", got)
	}
}

func TestParseCatalogNotExecutable(t *testing.T) {
	dir := t.TempDir()
	plain := writeBinary(t, dir, "plain.txt", 0644)

	data := fmt.Sprintf(`
probes:
  - name: plain
    category: network_egress
    binary: %s
`, plain)
	_, err := probe.Parse([]byte(data))
	if err == nil {
		t.Fatal("expected error for non-executable binary")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ProbeBinaryNotExec {
		t.Fatalf("expected ProbeBinaryNotExec, got %v", got)
	}
}

func TestParseCatalogDuplicateName(t *testing.T) {
	dir := t.TempDir()
	bin := writeBinary(t, dir, "probe", 0755)

	data := fmt.Sprintf(`
probes:
  - name: twin
    category: network_egress
    binary: %s
  - name: twin
    category: process_exec
    binary: %s
`, bin, bin)
	_, err := probe.Parse([]byte(data))
	if err == nil {
		t.Fatal("expected error for duplicate name")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ProbeNameDuplicate {
		t.Fatalf("expected ProbeNameDuplicate, got %v", got)
	}
}

func TestParseCatalogUnknownCategory(t *testing.T) {
	dir := t.TempDir()
	bin := writeBinary(t, dir, "probe", 0755)

	data := fmt.Sprintf(`
probes:
  - name: odd
    category: quantum_tunnel
    binary: %s
`, bin)
	_, err := probe.Parse([]byte(data))
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ProbeCategoryInvalid {
		t.Fatalf("expected ProbeCategoryInvalid, got %v", got)
	}
}

func TestParseCatalogEmpty(t *testing.T) {
	_, err := probe.Parse([]byte("probes: []\n"))
	if err == nil {
		t.Fatal("expected error for empty catalog")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.CatalogEmpty {
		t.Fatalf("expected CatalogEmpty, got %v", got)
	}
}

func TestParseCatalogNegativeCeiling(t *testing.T) {
	dir := t.TempDir()
	bin := writeBinary(t, dir, "probe", 0755)

	data := fmt.Sprintf(`
probes:
  - name: negative
    category: memory_exhaustion
    binary: %s
    ceilings:
      memory_mb: -5
`, bin)
	_, err := probe.Parse([]byte(data))
	if err == nil {
		t.Fatal("expected error for negative ceiling")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ProbeCeilingInvalid {
		t.Fatalf("expected ProbeCeilingInvalid, got %v", got)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	bin := writeBinary(t, dir, "probe", 0755)
	path := filepath.Join(dir, "catalog.yaml")

	data := fmt.Sprintf("probes:\n  - name: one\n    category: chroot_escape\n    binary: %s\n", bin)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cat, err := probe.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cat.Find("one"); !ok {
		t.Fatal("expected probe one in catalog")
	}
	if _, ok := cat.Find("two"); ok {
		t.Fatal("did not expect probe two")
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := probe.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing catalog file")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.CatalogLoadFailed {
		t.Fatalf("expected CatalogLoadFailed, got %v", got)
	}
}

func TestDefaultCeilingsPinAttackDimension(t *testing.T) {
	tests := []struct {
		category probe.Category
		check    func(probe.Ceilings) bool
	}{
		{probe.MemoryExhaustion, func(c probe.Ceilings) bool { return c.MemoryMB == 64 }},
		{probe.DiskExhaustion, func(c probe.Ceilings) bool { return c.FileSizeMB == 32 }},
		{probe.FDExhaustion, func(c probe.Ceilings) bool { return c.OpenFiles == 256 }},
		{probe.ThreadExhaustion, func(c probe.Ceilings) bool { return c.PIDs == 64 }},
		{probe.StackExhaustion, func(c probe.Ceilings) bool { return c.StackMB == 8 }},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			cl := probe.DefaultCeilings(tt.category)
			if !tt.check(cl) {
				t.Errorf("DefaultCeilings(%s) = %+v", tt.category, cl)
			}
			if cl.WallTimeMs == 0 || cl.CaptureKB == 0 {
				t.Errorf("baseline ceilings missing: %+v", cl)
			}
		})
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	cl := probe.Ceilings{MemoryMB: 16, WallTimeMs: 1234}
	got := cl.Normalize(probe.MemoryExhaustion)
	if got.MemoryMB != 16 {
		t.Fatalf("expected explicit memory kept, got %d", got.MemoryMB)
	}
	if got.WallTimeMs != 1234 {
		t.Fatalf("expected explicit wall time kept, got %d", got.WallTimeMs)
	}
	if got.OpenFiles == 0 || got.PIDs == 0 {
		t.Fatalf("expected zero ceilings filled, got %+v", got)
	}
}
