// Package artifact models the generated GoogleTest file: a leading block of
// include directives followed by named TEST blocks, each generated block
// preceded by a marker comment. All operations are pure text transforms;
// the only writer of the canonical file is the commit step, which goes
// through WriteAtomic.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MarkerPrefix tags generated test blocks. The marker is audit-only and is
// never re-parsed for semantics.
const MarkerPrefix = "// testgen:"

var (
	includeRe = regexp.MustCompile(`^\s*#\s*include\s+(.+?)\s*$`)
	testRe    = regexp.MustCompile(`^\s*TEST(?:_F)?\s*\(\s*([A-Za-z_]\w*)\s*,\s*([A-Za-z_]\w*)\s*\)`)
	mainRe    = regexp.MustCompile(`^\s*int\s+main\s*\(`)
)

// NormalizeInclude converts one required-include token into a full include
// directive. System includes in angle brackets pass through unchanged; bare
// or quoted tokens become a quoted local-header include.
func NormalizeInclude(token string) string {
	tok := strings.TrimSpace(token)
	if m := includeRe.FindStringSubmatch(tok); m != nil {
		tok = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">") {
		return "#include " + tok
	}
	tok = strings.Trim(tok, `"`)
	return fmt.Sprintf("#include %q", tok)
}

// Includes returns the normalized include directives present in content, in
// order of appearance.
func Includes(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if includeRe.MatchString(line) {
			out = append(out, NormalizeInclude(line))
		}
	}
	return out
}

// MergeIncludes merges required include tokens into content's include
// section. Directives already present (by normalized text) are skipped; new
// ones are inserted immediately after the last pre-existing include line,
// preserving their given order. Merging is idempotent.
func MergeIncludes(content string, required []string) string {
	existing := make(map[string]bool)
	lines := strings.Split(content, "\n")
	lastInclude := -1
	for i, line := range lines {
		if includeRe.MatchString(line) {
			existing[NormalizeInclude(line)] = true
			lastInclude = i
		}
	}

	var missing []string
	for _, tok := range required {
		directive := NormalizeInclude(tok)
		if !existing[directive] {
			existing[directive] = true
			missing = append(missing, directive)
		}
	}
	if len(missing) == 0 {
		return content
	}

	var out []string
	if lastInclude >= 0 {
		out = append(out, lines[:lastInclude+1]...)
		out = append(out, missing...)
		out = append(out, lines[lastInclude+1:]...)
	} else {
		out = append(out, missing...)
		out = append(out, "")
		out = append(out, lines...)
	}
	return strings.Join(out, "\n")
}

// BlockNames returns the names of the TEST blocks in content, in order, as
// "Suite.Name".
func BlockNames(content string) []string {
	var names []string
	for _, line := range strings.Split(content, "\n") {
		if m := testRe.FindStringSubmatch(line); m != nil {
			names = append(names, m[1]+"."+m[2])
		}
	}
	return names
}

// HasBlock reports whether a TEST block with the given "Suite.Name" (or
// plain "Name", matched against either part) exists in content.
func HasBlock(content, name string) bool {
	for _, n := range BlockNames(content) {
		if n == name {
			return true
		}
		if i := strings.IndexByte(n, '.'); i >= 0 && n[i+1:] == name {
			return true
		}
	}
	return false
}

// AppendBlock appends a generated test block tagged with the marker comment.
// If the file already carries a main() harness the block is inserted in
// front of it so the harness stays last.
func AppendBlock(content, name, code string) string {
	block := fmt.Sprintf("%s %s\n%s\n", MarkerPrefix, name, strings.TrimRight(code, "\n"))

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if mainRe.MatchString(line) {
			head := strings.Join(lines[:i], "\n")
			tail := strings.Join(lines[i:], "\n")
			return strings.TrimRight(head, "\n") + "\n\n" + block + "\n" + tail
		}
	}

	if strings.TrimSpace(content) == "" {
		return block
	}
	return strings.TrimRight(content, "\n") + "\n\n" + block
}

// Harness is the gtest entry point appended when a new artifact is created
// from scratch.
const Harness = `int main(int argc, char **argv) {
    ::testing::InitGoogleTest(&argc, argv);
    return RUN_ALL_TESTS();
}
`

// EnsureHarness appends the gtest main() scaffold when content has none.
func EnsureHarness(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if mainRe.MatchString(line) {
			return content
		}
	}
	if strings.TrimSpace(content) == "" {
		return Harness
	}
	return strings.TrimRight(content, "\n") + "\n\n" + Harness
}

// WriteAtomic writes data to path via a temp file in the same directory and
// an atomic rename, so readers never observe a torn file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// ReadOrEmpty returns the file's content, or empty when the file does not
// exist yet.
func ReadOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
