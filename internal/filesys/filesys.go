// Package filesys provides file system abstractions for the recurse resolver.
// It defines the small interface the config loader and hints loader need and
// provides an implementation that delegates to the standard library, making it
// easier to test code that interacts with the file system.
package filesys

import (
	"io/fs"
	"os"
)

// ReadWriteFS is the file system surface the config and hints loaders need.
type ReadWriteFS interface {
	Stat(string) (fs.FileInfo, error)
	MkdirAll(string, os.FileMode) error
	Open(string) (*os.File, error)
	ReadFile(string) ([]byte, error)
	WriteFile(string, []byte, os.FileMode) error
}

// OS returns a file system implementation that delegates to the standard library.
func OS() OsFS {
	return OsFS{}
}

// OsFS implements ReadWriteFS against the local disk.
// All methods delegate to the standard library.
type OsFS struct{}

func (OsFS) Stat(p string) (fs.FileInfo, error)     { return os.Stat(p) }
func (OsFS) MkdirAll(p string, m os.FileMode) error { return os.MkdirAll(p, m) }
func (OsFS) Open(p string) (*os.File, error)        { return os.Open(p) }
func (OsFS) ReadFile(p string) ([]byte, error)      { return os.ReadFile(p) }
func (OsFS) WriteFile(p string, b []byte, m os.FileMode) error {
	return os.WriteFile(p, b, m)
}

var _ ReadWriteFS = OsFS{}
