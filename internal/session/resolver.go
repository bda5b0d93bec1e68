package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver locates the companion test artifact for a source unit. Resolve
// returns the artifact path and whether it already exists; a non-existing
// path is the resolver's proposal for a new artifact.
type Resolver interface {
	Resolve(sourcePath string) (path string, exists bool, err error)
}

// ConventionResolver probes the usual C++ test-file naming conventions next
// to the source unit, in order, and falls back to proposing "<stem>.test.cpp".
type ConventionResolver struct{}

func (ConventionResolver) Resolve(sourcePath string) (string, bool, error) {
	dir := filepath.Dir(sourcePath)
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	candidates := []string{
		stem + ".test.cpp",
		stem + "_test.cpp",
		"test_" + stem + ".cpp",
	}
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("resolve artifact: %s is a directory", p)
			}
			return p, true, nil
		}
		if !os.IsNotExist(err) {
			return "", false, err
		}
	}
	return filepath.Join(dir, candidates[0]), false, nil
}
