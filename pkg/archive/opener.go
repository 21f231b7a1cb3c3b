// Package archive walks uploaded zip archives, including one level of archives nested inside
// them, under per-kind file ceilings and a wall-clock budget.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotArchive is returned when bytes cannot be opened as an archive.
var ErrNotArchive = errors.New("not a readable archive")

// Member is one entry of an opened archive.
type Member struct {
	Name  string
	IsDir bool
	Open  func() (io.ReadCloser, error)
}

// Opener turns archive bytes into its member list.
type Opener interface {
	Open(data []byte) ([]Member, error)
}

// ZipOpener reads zip archives from memory.
type ZipOpener struct{}

func (ZipOpener) Open(data []byte) ([]Member, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	members := make([]Member, 0, len(reader.File))
	for _, f := range reader.File {
		members = append(members, Member{
			Name:  f.Name,
			IsDir: f.FileInfo().IsDir(),
			Open:  f.Open,
		})
	}
	return members, nil
}

// IsZip sniffs the local file header (or the empty-archive end record) magic.
func IsZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}

// Kind classifies an archive member.
type Kind int

const (
	KindIgnored Kind = iota
	KindTabular
	KindArchive
)

// Classifier decides how a member is handled from its name.
type Classifier func(name string) Kind

// ByExtension treats .zip members as nested archives and the given extensions as tabular.
// OS metadata entries (__MACOSX/, ._ files) are ignored.
func ByExtension(tabular ...string) Classifier {
	allowed := make(map[string]bool, len(tabular))
	for _, ext := range tabular {
		allowed[strings.ToLower(ext)] = true
	}
	return func(name string) Kind {
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
			return KindIgnored
		}
		ext := strings.ToLower(path.Ext(name))
		switch {
		case ext == ".zip":
			return KindArchive
		case allowed[ext]:
			return KindTabular
		default:
			return KindIgnored
		}
	}
}
