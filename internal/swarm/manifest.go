// Package swarm implements manifest-based folder distribution. A
// publisher cuts a category folder into fixed-size pieces across its
// concatenated file layout and announces the manifest; fetching peers
// retrieve pieces from whoever has them, verify each piece hash, and
// seed the folder themselves once complete.
package swarm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultPieceSize is used when the configured piece size is unset.
	DefaultPieceSize = 256 * 1024

	// ManifestFileName is the manifest persisted inside a published
	// folder so the daemon can re-seed after a restart.
	ManifestFileName = ".manifest.json"
)

// FileSpan is one file of the folder layout, identified by its
// slash-separated path relative to the folder root.
type FileSpan struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Manifest fully describes a published folder: the ordered file layout
// and the SHA-256 hash of every piece of the concatenated byte stream.
// Building a manifest twice from identical folder content with the same
// piece size yields identical manifests.
type Manifest struct {
	PieceSize   int64      `json:"piece_size"`
	TotalLength int64      `json:"total_length"`
	Files       []FileSpan `json:"files"`
	PieceHashes []string   `json:"piece_hashes"`
}

// Build walks dir and produces its manifest. Files are ordered by their
// slash-separated relative path and hashed as one concatenated stream
// cut into pieceSize windows. Dot-prefixed names are skipped, so a
// previously saved manifest never describes itself.
func Build(dir string, pieceSize int64) (*Manifest, error) {
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}

	var files []FileSpan
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, FileSpan{Path: filepath.ToSlash(rel), Length: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	// WalkDir visits directory entries lexically, which is not the same
	// as lexical order of the joined relative paths.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	m := &Manifest{PieceSize: pieceSize, Files: files}
	for _, f := range files {
		m.TotalLength += f.Length
	}

	r := newLayoutReader(dir, files)
	defer r.Close()
	buf := make([]byte, pieceSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			m.PieceHashes = append(m.PieceHashes, hex.EncodeToString(sum[:]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to hash pieces: %w", err)
		}
	}
	return m, nil
}

// ID returns the manifest identifier, the hex SHA-256 of the compact
// JSON encoding. Peers request manifests and pieces by this ID.
func (m *Manifest) ID() string {
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Encode returns the compact JSON wire form.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates manifest bytes received from a peer.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks internal consistency: positive piece size, safe
// relative paths, file lengths summing to the total, and a hash for
// every piece.
func (m *Manifest) Validate() error {
	if m.PieceSize <= 0 {
		return errors.New("manifest piece size must be positive")
	}
	if m.TotalLength < 0 {
		return errors.New("manifest total length is negative")
	}
	var sum int64
	for _, f := range m.Files {
		if f.Length < 0 {
			return fmt.Errorf("file %q has negative length", f.Path)
		}
		if !safeRelPath(f.Path) {
			return fmt.Errorf("unsafe file path %q in manifest", f.Path)
		}
		sum += f.Length
	}
	if sum != m.TotalLength {
		return fmt.Errorf("file lengths sum to %d but manifest declares %d", sum, m.TotalLength)
	}
	want := 0
	if m.TotalLength > 0 {
		want = int((m.TotalLength + m.PieceSize - 1) / m.PieceSize)
	}
	if len(m.PieceHashes) != want {
		return fmt.Errorf("manifest has %d piece hashes, expected %d", len(m.PieceHashes), want)
	}
	for i, h := range m.PieceHashes {
		if len(h) != sha256.Size*2 {
			return fmt.Errorf("piece hash %d has unexpected length %d", i, len(h))
		}
	}
	return nil
}

// safeRelPath accepts only clean relative slash paths that stay inside
// the folder.
func safeRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	return true
}

// NumPieces returns the piece count.
func (m *Manifest) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLength returns the byte length of piece index. Only the final
// piece may be shorter than the piece size.
func (m *Manifest) PieceLength(index int) int64 {
	if index == m.NumPieces()-1 {
		if rem := m.TotalLength % m.PieceSize; rem != 0 {
			return rem
		}
	}
	return m.PieceSize
}

// VerifyPiece reports whether data matches the recorded hash for piece
// index.
func (m *Manifest) VerifyPiece(index int, data []byte) bool {
	if index < 0 || index >= m.NumPieces() {
		return false
	}
	if int64(len(data)) != m.PieceLength(index) {
		return false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == m.PieceHashes[index]
}

// ReadPiece reads piece index from the layout rooted at dir.
func (m *Manifest) ReadPiece(dir string, index int) ([]byte, error) {
	if index < 0 || index >= m.NumPieces() {
		return nil, fmt.Errorf("piece %d out of range", index)
	}
	buf := make([]byte, m.PieceLength(index))
	if err := m.readAt(dir, int64(index)*m.PieceSize, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePiece writes a verified piece into the layout rooted at dir.
// The layout must have been created by PrepareLayout first.
func (m *Manifest) WritePiece(dir string, index int, data []byte) error {
	if index < 0 || index >= m.NumPieces() {
		return fmt.Errorf("piece %d out of range", index)
	}
	if int64(len(data)) != m.PieceLength(index) {
		return fmt.Errorf("piece %d has length %d, expected %d", index, len(data), m.PieceLength(index))
	}
	return m.writeAt(dir, int64(index)*m.PieceSize, data)
}

// PrepareLayout creates the manifest's file tree under dir, each file
// already at its final size, ready for WritePiece.
func (m *Manifest) PrepareLayout(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, f := range m.Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return err
		}
		if err := fh.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the manifest inside dir under ManifestFileName.
func (m *Manifest) Save(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0644)
}

// Load reads a manifest previously saved inside dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (m *Manifest) readAt(dir string, offset int64, buf []byte) error {
	return m.spanOp(dir, offset, len(buf), func(f FileSpan, fileOff int64, lo, hi int) error {
		fh, err := os.Open(filepath.Join(dir, filepath.FromSlash(f.Path)))
		if err != nil {
			return err
		}
		defer fh.Close()
		n, err := fh.ReadAt(buf[lo:hi], fileOff)
		if err != nil && !(err == io.EOF && n == hi-lo) {
			return fmt.Errorf("failed to read %s: %w", f.Path, err)
		}
		return nil
	})
}

func (m *Manifest) writeAt(dir string, offset int64, data []byte) error {
	return m.spanOp(dir, offset, len(data), func(f FileSpan, fileOff int64, lo, hi int) error {
		fh, err := os.OpenFile(filepath.Join(dir, filepath.FromSlash(f.Path)), os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		defer fh.Close()
		if _, err := fh.WriteAt(data[lo:hi], fileOff); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		return nil
	})
}

// spanOp maps the byte range [offset, offset+length) of the
// concatenated layout onto per-file ranges and invokes op for each.
func (m *Manifest) spanOp(dir string, offset int64, length int, op func(f FileSpan, fileOff int64, lo, hi int) error) error {
	if offset < 0 || offset+int64(length) > m.TotalLength {
		return fmt.Errorf("range [%d, %d) outside layout of %d bytes", offset, offset+int64(length), m.TotalLength)
	}
	done := 0
	fileStart := int64(0)
	for _, f := range m.Files {
		if done == length {
			break
		}
		fileEnd := fileStart + f.Length
		pos := offset + int64(done)
		if pos >= fileEnd {
			fileStart = fileEnd
			continue
		}
		want := length - done
		if avail := int(fileEnd - pos); want > avail {
			want = avail
		}
		if err := op(f, pos-fileStart, done, done+want); err != nil {
			return err
		}
		done += want
		fileStart = fileEnd
	}
	if done != length {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// layoutReader streams the concatenation of the layout's files in
// order, opening one file at a time.
type layoutReader struct {
	dir       string
	files     []FileSpan
	idx       int
	cur       *os.File
	remaining int64
}

func newLayoutReader(dir string, files []FileSpan) *layoutReader {
	return &layoutReader{dir: dir, files: files}
}

func (r *layoutReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.files) {
				return 0, io.EOF
			}
			f := r.files[r.idx]
			fh, err := os.Open(filepath.Join(r.dir, filepath.FromSlash(f.Path)))
			if err != nil {
				return 0, err
			}
			r.cur = fh
			r.remaining = f.Length
		}
		if r.remaining == 0 {
			r.cur.Close()
			r.cur = nil
			r.idx++
			continue
		}
		limit := int64(len(p))
		if limit > r.remaining {
			limit = r.remaining
		}
		n, err := r.cur.Read(p[:limit])
		r.remaining -= int64(n)
		if err == io.EOF {
			if r.remaining > 0 {
				return n, fmt.Errorf("file %s shorter than its recorded length", r.files[r.idx].Path)
			}
			err = nil
		}
		if n == 0 && err == nil {
			continue
		}
		return n, err
	}
}

func (r *layoutReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
