// Package coverage converts raw LLVM execution profiles into a per-line
// coverage snapshot for one source unit plus the project-wide aggregate.
// Pipeline: llvm-profdata merge over the session's .profraw files, then
// llvm-cov export (JSON) against the instrumented test binary, filtered to
// the lines of the given source unit.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anjupathak03/cpp-unit-test-generator/internal/config"
	"github.com/anjupathak03/cpp-unit-test-generator/internal/logging"
)

// Snapshot is a point-in-time coverage measurement. A line is covered iff
// its execution count is nonzero; covered and missed sets are disjoint.
type Snapshot struct {
	FilePct     float64
	ProjectPct  float64
	MissedLines []int
}

// FileGain returns the file-coverage delta against a previous snapshot.
func (s Snapshot) FileGain(prev Snapshot) float64 { return s.FilePct - prev.FilePct }

// ProjectGain returns the project-coverage delta against a previous snapshot.
func (s Snapshot) ProjectGain(prev Snapshot) float64 { return s.ProjectPct - prev.ProjectPct }

// Probe runs the LLVM coverage tooling.
type Probe struct {
	cfg        config.CoverageConfig
	profileDir string
}

// New creates a Probe reading .profraw files from profileDir.
func New(cfg config.CoverageConfig, profileDir string) *Probe {
	return &Probe{cfg: cfg, profileDir: profileDir}
}

// Ingest promotes one run's .profraw files from its private dir into the
// merged pool and removes the dir. Runs whose outcome is discarded must not
// be ingested, so the pool only ever reflects the committed state. An empty
// runDir is a no-op.
func (p *Probe) Ingest(runDir string) error {
	if runDir == "" {
		return nil
	}
	raws, err := filepath.Glob(filepath.Join(runDir, "*.profraw"))
	if err != nil {
		return err
	}
	for _, raw := range raws {
		// Prefix with the run dir name so PID reuse across runs cannot
		// clobber an already-promoted profile.
		dest := filepath.Join(p.profileDir, filepath.Base(runDir)+"-"+filepath.Base(raw))
		if err := os.Rename(raw, dest); err != nil {
			return fmt.Errorf("promote profile: %w", err)
		}
	}
	return os.RemoveAll(runDir)
}

// Measure merges all raw profiles and exports line coverage, filtered to
// sourcePath. binary must be the instrumented test binary that produced the
// profiles. Raw profiles accumulate across the session, so each snapshot
// reflects the cumulative committed state.
func (p *Probe) Measure(ctx context.Context, binary, sourcePath string) (Snapshot, error) {
	log := logging.Get(logging.CategoryCoverage)

	if binary == "" {
		return Snapshot{}, fmt.Errorf("coverage: no instrumented binary available")
	}
	raws, err := filepath.Glob(filepath.Join(p.profileDir, "*.profraw"))
	if err != nil {
		return Snapshot{}, err
	}
	if len(raws) == 0 {
		return Snapshot{}, fmt.Errorf("coverage: no raw profiles in %s", p.profileDir)
	}

	merged := filepath.Join(p.profileDir, "merged.profdata")
	args := []string{"merge", "-sparse"}
	args = append(args, raws...)
	args = append(args, "-o", merged)
	if out, err := runTool(ctx, p.cfg.ProfdataTool, args...); err != nil {
		return Snapshot{}, fmt.Errorf("profdata merge: %w: %s", err, out)
	}

	out, err := runTool(ctx, p.cfg.CovTool, "export", binary, "-instr-profile="+merged)
	if err != nil {
		return Snapshot{}, fmt.Errorf("coverage export: %w: %s", err, out)
	}

	snap, err := parseExport([]byte(out), sourcePath)
	if err != nil {
		return Snapshot{}, err
	}
	log.Debugw("measured", "source", sourcePath,
		"filePct", snap.FilePct, "projectPct", snap.ProjectPct, "missed", len(snap.MissedLines))
	return snap, nil
}

func runTool(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return string(out), ctxErr
		}
		return string(out), err
	}
	return string(out), nil
}

// llvm-cov export JSON shapes. Segment entries are heterogeneous arrays:
// [line, col, count, hasCount, isRegionEntry, isGapRegion].
type exportRoot struct {
	Data []exportData `json:"data"`
}

type exportData struct {
	Files  []exportFile `json:"files"`
	Totals exportTotals `json:"totals"`
}

type exportFile struct {
	Filename string            `json:"filename"`
	RawSegs  []json.RawMessage `json:"segments"`
}

type exportTotals struct {
	Lines struct {
		Percent float64 `json:"percent"`
	} `json:"lines"`
}

type segment struct {
	line     int
	count    int64
	hasCount bool
	isGap    bool
}

func parseExport(data []byte, sourcePath string) (Snapshot, error) {
	var root exportRoot
	if err := json.Unmarshal(data, &root); err != nil {
		return Snapshot{}, fmt.Errorf("parse coverage export: %w", err)
	}
	if len(root.Data) == 0 {
		return Snapshot{}, fmt.Errorf("coverage export carried no data")
	}
	export := root.Data[0]

	var file *exportFile
	for i := range export.Files {
		if sameFile(export.Files[i].Filename, sourcePath) {
			file = &export.Files[i]
			break
		}
	}

	snap := Snapshot{ProjectPct: export.Totals.Lines.Percent}
	if file == nil {
		// Source unit absent from the profile: nothing instrumented.
		snap.FilePct = 100
		return snap, nil
	}

	segs, err := decodeSegments(file.RawSegs)
	if err != nil {
		return Snapshot{}, err
	}

	counts := lineCounts(segs)
	covered, missed := 0, 0
	for line, count := range counts {
		if count > 0 {
			covered++
		} else {
			missed++
			snap.MissedLines = append(snap.MissedLines, line)
		}
	}
	sort.Ints(snap.MissedLines)

	// Zero instrumented lines counts as fully covered: nothing to cover.
	if covered+missed == 0 {
		snap.FilePct = 100
	} else {
		snap.FilePct = float64(covered) / float64(covered+missed) * 100
	}
	return snap, nil
}

func decodeSegments(raw []json.RawMessage) ([]segment, error) {
	segs := make([]segment, 0, len(raw))
	for _, r := range raw {
		var fields []any
		if err := json.Unmarshal(r, &fields); err != nil {
			return nil, fmt.Errorf("parse coverage segment: %w", err)
		}
		if len(fields) < 6 {
			continue
		}
		line, ok1 := fields[0].(float64)
		count, ok2 := fields[2].(float64)
		hasCount, ok3 := fields[3].(bool)
		isGap, ok4 := fields[5].(bool)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("malformed coverage segment %s", string(r))
		}
		segs = append(segs, segment{
			line:     int(line),
			count:    int64(count),
			hasCount: hasCount,
			isGap:    isGap,
		})
	}
	return segs, nil
}

// lineCounts flattens segments to per-line execution counts. A segment's
// count applies from its start line up to the next segment's line; a line
// touched by multiple regions takes the maximum count.
func lineCounts(segs []segment) map[int]int64 {
	counts := make(map[int]int64)
	for i, s := range segs {
		if !s.hasCount || s.isGap {
			continue
		}
		// The next segment takes over accounting from its own line.
		end := s.line
		if i+1 < len(segs) && segs[i+1].line > s.line {
			end = segs[i+1].line - 1
		}
		for line := s.line; line <= end; line++ {
			if cur, ok := counts[line]; !ok || s.count > cur {
				counts[line] = s.count
			}
		}
	}
	return counts
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA == nil && errB == nil && absA == absB {
		return true
	}
	return strings.HasSuffix(a, string(os.PathSeparator)+filepath.Base(b)) &&
		filepath.Base(a) == filepath.Base(b)
}
