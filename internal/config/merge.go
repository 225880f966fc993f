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

// ParseFiles overlays the given configuration files in order and parses the
// result. Directories are walked in lexical order. Objects are merged key by
// key; any other value of a later file replaces the earlier one, or is an
// error when conflictError is set and the values differ.
func ParseFiles(files []string, conflictError bool) (*Root, error) {
	if len(files) == 1 {
		if fi, err := os.Stat(files[0]); err == nil && !fi.IsDir() {
			return ParseFile(files[0])
		}
	}

	bs, err := Merge(files, conflictError)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// Merge overlays the configuration files and returns the merged document.
func Merge(files []string, conflictError bool) ([]byte, error) {
	var paths []string
	for _, f := range files {
		if err := filepath.WalkDir(f, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				paths = append(paths, path)
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", f, err)
		}
	}

	docs := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
		}
		docs = append(docs, doc)
	}

	merged, err := merge(docs, "", conflictError)
	if err != nil {
		return nil, err
	}

	bs, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	return bs, nil
}

func merge(docs []map[string]any, path string, conflictError bool) (map[string]any, error) {
	result := make(map[string]any)
	for _, doc := range docs {
		for _, key := range slices.Sorted(maps.Keys(doc)) { // Sorted so that conflict errors are deterministic.
			value := doc[key]
			existing, ok := result[key]
			if !ok {
				result[key] = value
				continue
			}

			a, ok1 := existing.(map[string]any)
			b, ok2 := value.(map[string]any)
			if ok1 && ok2 {
				m, err := merge([]map[string]any{a, b}, path+"/"+key, conflictError)
				if err != nil {
					return nil, err
				}
				result[key] = m
				continue
			}

			if conflictError && !reflect.DeepEqual(existing, value) {
				return nil, fmt.Errorf("conflicting values for config key %s", path+"/"+key)
			}
			result[key] = value
		}
	}
	return result, nil
}
