package swarm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

// writeTree creates files under dir, creating parent directories as
// needed. Paths use forward slashes.
func writeTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for path, data := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, data, 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestBuildHashesConcatenatedStream(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{
		"a.sto": []byte("aaaa"),
		"b.sto": []byte("bbbbbb"),
	})

	m, err := Build(dir, 8)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.TotalLength != 10 {
		t.Fatalf("expected total length 10, got %d", m.TotalLength)
	}
	if m.NumPieces() != 2 {
		t.Fatalf("expected 2 pieces, got %d", m.NumPieces())
	}
	if got := m.PieceLength(1); got != 2 {
		t.Fatalf("expected final piece length 2, got %d", got)
	}

	stream := []byte("aaaabbbbbb")
	first := sha256.Sum256(stream[:8])
	second := sha256.Sum256(stream[8:])
	if m.PieceHashes[0] != hex.EncodeToString(first[:]) {
		t.Fatalf("piece 0 hash mismatch")
	}
	if m.PieceHashes[1] != hex.EncodeToString(second[:]) {
		t.Fatalf("piece 1 hash mismatch")
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	files := map[string][]byte{
		"zz.sto":       patternBytes(1000, 3),
		"aa.sto":       patternBytes(170, 7),
		"nested/m.sto": patternBytes(64, 11),
	}

	dirA := t.TempDir()
	writeTree(t, dirA, files)
	mA, err := Build(dirA, 256)
	if err != nil {
		t.Fatalf("Build A: %v", err)
	}

	// Same content under a different root, created in a different
	// order, must produce the identical manifest.
	dirB := t.TempDir()
	writeTree(t, dirB, map[string][]byte{"nested/m.sto": files["nested/m.sto"]})
	writeTree(t, dirB, map[string][]byte{"aa.sto": files["aa.sto"]})
	writeTree(t, dirB, map[string][]byte{"zz.sto": files["zz.sto"]})
	mB, err := Build(dirB, 256)
	if err != nil {
		t.Fatalf("Build B: %v", err)
	}

	if mA.ID() != mB.ID() {
		t.Fatalf("manifest IDs differ: %s vs %s", mA.ID(), mB.ID())
	}
}

func TestBuildSkipsDotEntries(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{
		"app.sto":          []byte("data"),
		".manifest.json":   []byte("{}"),
		".hidden/x.sto":    []byte("secret"),
		".partial-app.sto": []byte("partial"),
	})

	m, err := Build(dir, 64)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Path != "app.sto" {
		t.Fatalf("expected only app.sto in layout, got %+v", m.Files)
	}
}

func TestPieceRoundTripAcrossFiles(t *testing.T) {
	src := t.TempDir()
	files := map[string][]byte{
		"one.sto":      patternBytes(10, 1),
		"two.sto":      patternBytes(20, 2),
		"sub/tail.sto": patternBytes(5, 3),
	}
	writeTree(t, src, files)

	m, err := Build(src, 16)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.NumPieces() != 3 {
		t.Fatalf("expected 3 pieces for 35 bytes at size 16, got %d", m.NumPieces())
	}

	dst := t.TempDir()
	if err := m.PrepareLayout(dst); err != nil {
		t.Fatalf("PrepareLayout: %v", err)
	}

	// Write pieces out of order, the way a swarm download would.
	for _, idx := range []int{2, 0, 1} {
		data, err := m.ReadPiece(src, idx)
		if err != nil {
			t.Fatalf("ReadPiece %d: %v", idx, err)
		}
		if !m.VerifyPiece(idx, data) {
			t.Fatalf("piece %d failed verification against its own manifest", idx)
		}
		if err := m.WritePiece(dst, idx, data); err != nil {
			t.Fatalf("WritePiece %d: %v", idx, err)
		}
	}

	for path, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(path)))
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("assembled %s differs from source", path)
		}
	}
}

func TestVerifyPieceRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{"a.sto": patternBytes(100, 9)})

	m, err := Build(dir, 64)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := m.ReadPiece(dir, 0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	data[10] ^= 0xFF
	if m.VerifyPiece(0, data) {
		t.Fatal("corrupted piece passed verification")
	}
	if m.VerifyPiece(0, data[:32]) {
		t.Fatal("short piece passed verification")
	}
	if m.VerifyPiece(5, data) {
		t.Fatal("out-of-range index passed verification")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{"a.sto": patternBytes(300, 5)})

	m, err := Build(dir, 128)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID() != m.ID() {
		t.Fatalf("loaded manifest ID %s differs from %s", loaded.ID(), m.ID())
	}

	// A rebuild after saving must not see the manifest file itself.
	again, err := Build(dir, 128)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if again.ID() != m.ID() {
		t.Fatal("saving the manifest changed the folder's manifest ID")
	}
}

func TestDecodeRejectsInvalidManifests(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{"a.sto": patternBytes(64, 1)})
	m, err := Build(dir, 32)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"zero piece size", func(m *Manifest) { m.PieceSize = 0 }},
		{"length mismatch", func(m *Manifest) { m.TotalLength++ }},
		{"missing hash", func(m *Manifest) { m.PieceHashes = m.PieceHashes[:1] }},
		{"bad hash length", func(m *Manifest) { m.PieceHashes[0] = "abcd" }},
		{"absolute path", func(m *Manifest) { m.Files[0].Path = "/etc/passwd" }},
		{"parent traversal", func(m *Manifest) { m.Files[0].Path = "../escape.sto" }},
		{"backslash path", func(m *Manifest) { m.Files[0].Path = `a\b.sto` }},
		{"dot component", func(m *Manifest) { m.Files[0].Path = ".hidden/a.sto" }},
		{"negative length", func(m *Manifest) { m.Files[0].Length = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := *m
			bad.Files = append([]FileSpan(nil), m.Files...)
			bad.PieceHashes = append([]string(nil), m.PieceHashes...)
			tc.mutate(&bad)
			data, err := bad.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if _, err := Decode(data); err == nil {
				t.Fatal("expected Decode to reject manifest")
			}
		})
	}
}

func TestReadPieceDetectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string][]byte{"a.sto": patternBytes(100, 4)})
	m, err := Build(dir, 64)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.sto"), []byte("short"), 0644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := m.ReadPiece(dir, 1); err == nil {
		t.Fatal("expected error reading piece from truncated file")
	}
}

func TestEmptyFolderManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := Build(dir, 1024)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.NumPieces() != 0 || m.TotalLength != 0 {
		t.Fatalf("expected empty manifest, got %d pieces, %d bytes", m.NumPieces(), m.TotalLength)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("empty manifest failed validation: %v", err)
	}
}
