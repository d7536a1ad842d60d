package storage

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// TimestampLayout is the wall-clock format shared by every flat log.
const TimestampLayout = "2006-01-02 15:04"

// rawMarker prefixes the single cell of a row whose line could not be decoded.
const rawMarker = "\x00raw\x00"

const maxLineSize = 1 << 20

// RawText returns the original line of a row the log could not decode.
func RawText(row []string) (string, bool) {
	if len(row) != 1 || !strings.HasPrefix(row[0], rawMarker) {
		return "", false
	}
	return strings.TrimPrefix(row[0], rawMarker), true
}

// Stamp identifies one on-disk version of a log.
type Stamp struct {
	modTime int64
	size    int64
}

// File is a header-carrying CSV log. Every operation holds an in-process
// mutex and an advisory lock on path+".lock", so other processes editing the
// same log are serialized too. Updates go through a temp file and a rename.
type File struct {
	path   string
	header []string
	logger zerolog.Logger

	mu   sync.Mutex
	lock *flock.Flock
}

// NewFile binds a CSV log at path with the given header.
func NewFile(path string, header []string, logger zerolog.Logger) *File {
	return &File{
		path:   path,
		header: slices.Clone(header),
		logger: logger.With().Str("file", path).Logger(),
		lock:   flock.New(path + ".lock"),
	}
}

// Path returns the backing file location.
func (f *File) Path() string {
	return f.path
}

// Stamp reports the current on-disk version without reading the rows.
func (f *File) Stamp() (Stamp, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Stamp{}, nil
	}
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{modTime: info.ModTime().UnixNano(), size: info.Size()}, nil
}

// Load returns every data row. A missing file is created with its header.
func (f *File) Load() ([][]string, Stamp, error) {
	var (
		rows  [][]string
		stamp Stamp
	)
	err := f.locked(func() error {
		var err error
		if rows, err = f.ensureLocked(); err != nil {
			return err
		}
		stamp, err = f.Stamp()
		return err
	})
	return rows, stamp, err
}

// Append adds rows to the end of the log. before and after are the stamps
// around the write; a caller whose mirror matches before can extend it in
// place instead of reloading.
func (f *File) Append(rows ...[]string) (before, after Stamp, err error) {
	err = f.locked(func() error {
		if _, err := f.ensureLocked(); err != nil {
			return err
		}
		if before, err = f.Stamp(); err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := f.appendLocked(rows); err != nil {
				return err
			}
		}
		after, err = f.Stamp()
		return err
	})
	return before, after, err
}

// Update is one read-modify-write transaction over the whole log: the rows
// are read from disk under the lock, passed to fn and the result written
// back. An error from fn aborts without writing and is returned as is.
func (f *File) Update(fn func(rows [][]string) ([][]string, error)) (before int, after [][]string, stamp Stamp, err error) {
	err = f.locked(func() error {
		rows, err := f.ensureLocked()
		if err != nil {
			return err
		}
		before = len(rows)

		next, err := fn(rows)
		if err != nil {
			return err
		}
		if err := f.writeLocked(next); err != nil {
			return err
		}
		after = next
		stamp, err = f.Stamp()
		return err
	})
	return before, after, stamp, err
}

func (f *File) locked(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", f.path, err)
	}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			f.logger.Warn().Err(err).Msg("unlock failed")
		}
	}()
	return fn()
}

func (f *File) ensureLocked() ([][]string, error) {
	rows, err := f.readLocked()
	if errors.Is(err, os.ErrNotExist) {
		return nil, f.writeLocked(nil)
	}
	return rows, err
}

// readLocked decodes the log one line at a time. A line the CSV decoder
// rejects is kept as a raw row so the rest of the log stays usable.
func (f *File) readLocked() ([][]string, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var rows [][]string
	lineNo, headerSeen := 0, false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields, err := decodeLine(line)
		if !headerSeen {
			headerSeen = true
			if err != nil || !headerMatches(fields, f.header) {
				f.logger.Warn().Str("header", line).Strs("expected", f.header).Msg("unexpected log header")
			}
			continue
		}
		if err != nil {
			f.logger.Warn().Err(err).Int("line", lineNo).Str("raw", line).Msg("keeping undecodable row verbatim")
			rows = append(rows, []string{rawMarker + line})
			continue
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return rows, nil
}

func decodeLine(line string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	fields, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if _, err := reader.Read(); !errors.Is(err, io.EOF) {
		return nil, errors.New("row spans several records")
	}
	return fields, nil
}

func (f *File) appendLocked(rows [][]string) error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", f.path, err)
	}
	defer file.Close()

	if err := writeRows(file, rows); err != nil {
		return fmt.Errorf("append %s: %w", f.path, err)
	}
	return nil
}

func (f *File) writeLocked(rows [][]string) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", f.path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeRows(tmp, append([][]string{f.header}, rows...)); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// writeRows encodes rows as CSV; raw rows are written back byte for byte.
func writeRows(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	for _, row := range rows {
		if raw, ok := RawText(row); ok {
			writer.Flush()
			if err := writer.Error(); err != nil {
				return err
			}
			if _, err := io.WriteString(w, raw+"\n"); err != nil {
				return err
			}
			continue
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// headerMatches compares the leading columns; older logs may lack optional
// trailing columns.
func headerMatches(got, want []string) bool {
	if len(got) > len(want) || len(got) == 0 {
		return false
	}
	return slices.Equal(got, want[:len(got)])
}
