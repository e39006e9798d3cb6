package migration

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/Skyrin/go-writeback/e"
)

const (
	ECode010201 = e.Code0102 + "01"
	ECode010202 = e.Code0102 + "02"
	ECode010203 = e.Code0102 + "03"
	ECode010204 = e.Code0102 + "04"
	ECode010205 = e.Code0102 + "05"
)

// File one versioned SQL file of a list
type File struct {
	Name    string
	Version int
	SQL     []byte
}

// List the migrations of one package, identified by its code
type List struct {
	code  string
	path  string
	fsys  fs.FS
	files []*File
}

// NewList initialize a new list reading the *.sql files under dir
func NewList(code, dir string, fsys fs.FS) (l *List) {
	return &List{
		code: code,
		path: dir,
		fsys: fsys,
	}
}

// Code returns the list code
func (l *List) Code() string {
	return l.code
}

// ParseVersion parses the version from a file name. The name must start with
// a positive number followed by an underscore or the extension, such as
// 0002_conflicts.sql.
func ParseVersion(name string) (v int, err error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		prefix, _, _ = strings.Cut(name, ".")
	}

	v, err = strconv.Atoi(prefix)
	if err != nil {
		return 0, e.WWM(err, ECode010201, e.MsgMigrationFileNameInvalid)
	}

	if v <= 0 {
		return 0, e.WWM(nil, ECode010202, e.MsgMigrationFileNameVersionInvalid)
	}

	return v, nil
}

// FilesAfter returns the files with a version greater than v, ordered by
// version. Two files with the same version are rejected.
func (l *List) FilesAfter(v int) (fList []*File, err error) {
	dirList, err := fs.ReadDir(l.fsys, l.path)
	if err != nil {
		return nil, e.W(err, ECode010203)
	}

	seen := map[int]string{}
	for _, de := range dirList {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".sql") {
			continue
		}

		f := &File{Name: de.Name()}
		if f.Version, err = ParseVersion(f.Name); err != nil {
			return nil, e.W(err, ECode010204, fmt.Sprintf("file: %s", f.Name))
		}

		if other, ok := seen[f.Version]; ok {
			return nil, e.N(ECode010204,
				fmt.Sprintf("%s and %s share version %d", other, f.Name, f.Version))
		}
		seen[f.Version] = f.Name

		if f.Version <= v {
			continue
		}

		if f.SQL, err = fs.ReadFile(l.fsys, path.Join(l.path, f.Name)); err != nil {
			return nil, e.W(err, ECode010205, fmt.Sprintf("file: %s", f.Name))
		}

		fList = append(fList, f)
	}

	sort.Slice(fList, func(i, j int) bool {
		return fList[i].Version < fList[j].Version
	})

	return fList, nil
}
