// Package fs holds small io/fs helpers.
package fs

import (
	"io/fs"
	"testing/fstest"
)

// MapFS returns a read-only file system holding the given path to content mapping.
func MapFS(m map[string]string) fs.FS {
	m0 := make(map[string]*fstest.MapFile, len(m))
	for p, f := range m {
		m0[p] = &fstest.MapFile{Data: []byte(f)}
	}
	return fstest.MapFS(m0)
}
