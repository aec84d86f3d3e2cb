package config

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// configExtensions are the files picked up when a directory is given.
var configExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// MergeConflictError reports a value set differently by two files.
type MergeConflictError struct {
	Path  string
	Files [2]string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("conflict for config path %s between %s and %s", e.Path, e.Files[0], e.Files[1])
}

// Merge reads the given files, descending into directories, and returns a
// single YAML document. Mappings are merged key by key. Any other value set
// by more than one file must be identical when strict is set, otherwise the
// last file wins.
func Merge(paths []string, strict bool) ([]byte, error) {
	files, err := configFiles(paths)
	if err != nil {
		return nil, err
	}

	m := merger{strict: strict, origin: make(map[string]string)}
	merged := make(map[string]any)
	for _, f := range files {
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %v: %w", f, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration file %v: %w", f, err)
		}
		if err := m.merge(merged, doc, "", f); err != nil {
			return nil, err
		}
	}

	bs, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged configuration: %w", err)
	}
	return bs, nil
}

// configFiles expands directories in walk order. Files named explicitly are
// always read, whatever their extension. Each file is read once.
func configFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir():
				return nil
			case path != root && !configExtensions[filepath.Ext(path)]:
				return nil
			case seen[path]:
				return nil
			}
			seen[path] = true
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

type merger struct {
	strict bool
	origin map[string]string // config path -> file that set it
}

func (m *merger) merge(dst, src map[string]any, path, file string) error {
	for _, key := range slices.Sorted(maps.Keys(src)) { // sorted for deterministic conflicts
		p := path + "/" + key
		value := src[key]

		if existing, ok := dst[key]; ok {
			a, ok1 := existing.(map[string]any)
			b, ok2 := value.(map[string]any)
			if ok1 && ok2 {
				if err := m.merge(a, b, p, file); err != nil {
					return err
				}
				continue
			}
			if m.strict && !reflect.DeepEqual(existing, value) {
				return &MergeConflictError{Path: p, Files: [2]string{m.origin[p], file}}
			}
		}

		dst[key] = value
		m.record(value, p, file)
	}
	return nil
}

// record marks file as the origin of path and of everything below it.
func (m *merger) record(value any, path, file string) {
	m.origin[path] = file
	if children, ok := value.(map[string]any); ok {
		for key, child := range children {
			m.record(child, path+"/"+key, file)
		}
	}
}
