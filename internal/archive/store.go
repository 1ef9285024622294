// Package archive persists one compressed CSV record per station and month.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"amedas-climate/internal/models"
	"amedas-climate/pkg/fsutil"
	"amedas-climate/pkg/textenc"
)

// Extension is appended to every record file name.
const Extension = ".csv.gz"

var gzipMagic = []byte{0x1f, 0x8b}

// Store is a file backed archive rooted at a directory. Records live at
// <root>/<station_id>/<year>-<month>.csv.gz with an unpadded month.
// Store has no locking; callers guarantee a single writer.
type Store struct {
	root string
	loc  *time.Location
}

// NewStore returns a store rooted at root. Download timestamps are
// interpreted in loc (nil means UTC).
func NewStore(root string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{root: root, loc: loc}
}

// Root returns the archive root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the file path of key.
func (s *Store) Path(key models.ArchiveKey) string {
	return filepath.Join(s.root, string(key.StationID), fmt.Sprintf("%d-%d%s", key.Year, key.Month, Extension))
}

// Exists reports whether a record file is present for key.
func (s *Store) Exists(key models.ArchiveKey) bool {
	info, err := os.Stat(s.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Read returns the decompressed UTF-8 content of the record for key.
func (s *Store) Read(key models.ArchiveKey) ([]byte, error) {
	data, err := ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to read archive %s: %w", key, err)
	}
	return data, nil
}

// ReadFile returns the UTF-8 content of a record file. Gzip compressed and
// plain files are both accepted.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, _ := br.Peek(2); bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return textenc.ToUTF8(raw)
}

// KeyFromPath recovers the archive key from a record path of the form
// .../<station_id>/<year>-<month>.csv.gz.
func KeyFromPath(path string) (models.ArchiveKey, error) {
	id := models.StationID(filepath.Base(filepath.Dir(path)))
	year, month, ok := parseName(filepath.Base(path))
	if !ok || !id.Valid() {
		return models.ArchiveKey{}, &models.ValidationError{Field: "path", Value: path, Message: "not an archive record path"}
	}
	return models.NewArchiveKey(id, year, month), nil
}

func parseName(name string) (year, month int, ok bool) {
	if !strings.HasSuffix(name, Extension) {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, Extension), "%d-%d", &year, &month); err != nil {
		return 0, 0, false
	}
	return year, month, month >= 1 && month <= 12
}

// Header reads the download timestamp of the record for key. It returns
// models.ErrArchiveNotFound when no record exists and
// models.ErrMissingTimestamp when the record cannot vouch for its age.
func (s *Store) Header(key models.ArchiveKey) (*models.ArchiveHeader, error) {
	data, err := s.Read(key)
	if err != nil {
		if errors.Is(err, models.ErrArchiveNotFound) {
			return nil, err
		}
		// An unreadable record is as good as one without a timestamp.
		return nil, fmt.Errorf("%w: %v", models.ErrMissingTimestamp, err)
	}

	ts, err := ParseDownloadTime(data, s.loc)
	if err != nil {
		return nil, err
	}
	return &models.ArchiveHeader{Key: key, DownloadedAt: ts}, nil
}

// Write replaces the record for key with data.
func (s *Store) Write(key models.ArchiveKey, data []byte) error {
	return s.WriteFrom(key, bytes.NewReader(data))
}

// WriteFrom replaces the record for key with the content of r. The previous
// record stays untouched unless the new one has been completely written.
func (s *Store) WriteFrom(key models.ArchiveKey, r io.Reader) error {
	err := fsutil.WriteAtomic(s.Path(key), 0o644, func(w io.Writer) error {
		zw := gzip.NewWriter(w)
		if _, err := io.Copy(zw, r); err != nil {
			zw.Close()
			return fmt.Errorf("failed to compress payload: %w", err)
		}
		return zw.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write archive %s: %w", key, err)
	}
	return nil
}

// Months lists the archive keys present for a station, in no particular order.
func (s *Store) Months(id models.StationID) ([]models.ArchiveKey, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(id)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list archive for %s: %w", id, err)
	}

	var keys []models.ArchiveKey
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		year, month, ok := parseName(e.Name())
		if !ok {
			continue
		}
		keys = append(keys, models.NewArchiveKey(id, year, month))
	}
	return keys, nil
}

// ParseDownloadTime extracts the download timestamp from the first logical
// (non blank) line of a record.
func ParseDownloadTime(data []byte, loc *time.Location) (time.Time, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, models.FreshnessMarker)
		if idx < 0 {
			return time.Time{}, models.ErrMissingTimestamp
		}
		raw := strings.TrimSpace(line[idx+len(models.FreshnessMarker):])
		raw = strings.TrimRight(raw, ",")
		if len(raw) > len(models.DownloadTimeLayout) {
			raw = raw[:len(models.DownloadTimeLayout)]
		}
		ts, err := time.ParseInLocation(models.DownloadTimeLayout, raw, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", models.ErrMissingTimestamp, err)
		}
		return ts, nil
	}
	return time.Time{}, models.ErrMissingTimestamp
}
