package fsops

import (
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"unicode/utf8"
)

// RawName is a directory entry name exactly as the kernel returned it.
// Linux names are arbitrary byte strings; nothing guarantees they decode
// as UTF-8, so callers must check Valid before treating one as text.
type RawName []byte

// Valid reports whether the name is well-formed UTF-8.
func (n RawName) Valid() bool {
	return utf8.Valid(n)
}

// String returns a printable form of the name. Invalid sequences are
// quoted with escapes so log lines stay readable.
func (n RawName) String() string {
	if n.Valid() {
		return string(n)
	}
	return strconv.QuoteToASCII(string(n))
}

// Text returns the name as a string, or an error wrapping ErrFilesystem
// when it is not valid UTF-8.
func (n RawName) Text() (string, error) {
	if !n.Valid() {
		return "", fmt.Errorf("%w: entry name %s is not valid UTF-8", ErrFilesystem, n.String())
	}
	return string(n), nil
}

// Entry is a directory entry with a raw name.
type Entry struct {
	Name RawName
	Type fs.FileMode
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type.IsDir()
}

// IsSymlink reports whether the entry is a symbolic link.
func (e Entry) IsSymlink() bool {
	return e.Type&fs.ModeSymlink != 0
}

// IsRegular reports whether the entry is a regular file.
func (e Entry) IsRegular() bool {
	return e.Type.IsRegular()
}

// ReadDirRaw reads dir and returns its entries sorted by raw name.
func ReadDirRaw(dir string) ([]Entry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	dirents, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, Entry{Name: RawName(d.Name()), Type: d.Type()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Name) < string(entries[j].Name)
	})
	return entries, nil
}
