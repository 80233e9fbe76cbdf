package confkit

import (
	"os"
	"path/filepath"
)

// ResolvePath resolves a file path relative to a base directory, expanding
// environment variables first. Absolute paths are returned as-is.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory of the main config file path. Section
// files named in the main config resolve relative to it.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// Section is a config section loaded from its own file. T is the
// section's config type.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate loads the file named in the File field through the given loader
// and stores the result in Value. An empty File is a no-op.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return err
	}
	s.File, s.Value = p, v
	return nil
}
