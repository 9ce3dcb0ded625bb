// Package gitengine implements the Workspace Git Engine: it
// runs every command inside the worker's container via the Container
// Adapter's exec, not on the host, so it works regardless of workspace
// ownership — the worker may run as a non-root container user — and never
// assumes anything outside /workspace is capturable.
package gitengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/forgecore/workerd/internal/containerx"
)

// Workspace is the canonical mount path every worker container sees; paths
// outside it are out-of-band and never captured.
const Workspace = "/workspace"

const (
	authorName  = "Orchestrator Worker"
	authorEmail = "worker@orchestrator.local"
)

// Engine drives git inside a single container on behalf of one session.
type Engine struct {
	Adapter     containerx.Adapter
	ContainerID string
}

// Initialize sets a safe directory, configures a deterministic commit
// author, initializes a repository if one doesn't already exist, stages
// everything, and commits it as the initial snapshot. It returns the
// resulting commit hash to be recorded as the session's initialCommitHash.
func (e *Engine) Initialize(ctx context.Context) (commitHash string, err error) {
	steps := [][]string{
		{"git", "config", "--global", "--add", "safe.directory", Workspace},
		{"git", "config", "--global", "user.name", authorName},
		{"git", "config", "--global", "user.email", authorEmail},
	}
	for _, argv := range steps {
		if res, err := e.run(ctx, argv); err != nil || res.ExitCode != 0 {
			return "", fmt.Errorf("git config %v: %w (stderr=%s)", argv, err, res.Stderr)
		}
	}

	// Initialize only if .git doesn't already exist; a freshly mounted
	// workspace is the common case but a resumed/adopted one may already be
	// a repository.
	res, _ := e.run(ctx, []string{"git", "-C", Workspace, "rev-parse", "--is-inside-work-tree"})
	if res.ExitCode != 0 {
		if res, err := e.run(ctx, []string{"git", "-C", Workspace, "init"}); err != nil || res.ExitCode != 0 {
			return "", fmt.Errorf("git init: %w (stderr=%s)", err, res.Stderr)
		}
	}

	if res, err := e.run(ctx, []string{"git", "-C", Workspace, "add", "-A"}); err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("git add -A: %w (stderr=%s)", err, res.Stderr)
	}

	// --allow-empty: a pristine workspace still needs an initial commit to
	// diff against later.
	commitArgv := []string{"git", "-C", Workspace, "commit", "--allow-empty", "--no-verify", "-m", "initial snapshot"}
	if res, err := e.run(ctx, commitArgv); err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("git commit: %w (stderr=%s)", err, res.Stderr)
	}

	res, err = e.run(ctx, []string{"git", "-C", Workspace, "rev-parse", "HEAD"})
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD: %w (stderr=%s)", err, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// FileStat is the per-file numeric statistics for one changed path.
type FileStat struct {
	Path      string
	Additions int
	Deletions int
	Binary    bool
}

// Extraction is everything Extract produces: the canonical patch plus stats.
type Extraction struct {
	Patch string
	Stats []FileStat
}

// Extract stages the current workspace state and produces a unified patch of
// staged-vs-HEAD plus numeric statistics. The patch is canonical: LF endings,
// no color, no timestamps that would differ between semantically equivalent
// patches, so it is suitable for later replay against a fresh checkout.
func (e *Engine) Extract(ctx context.Context) (Extraction, error) {
	if res, err := e.run(ctx, []string{"git", "-C", Workspace, "add", "-A"}); err != nil || res.ExitCode != 0 {
		return Extraction{}, fmt.Errorf("git add -A: %w (stderr=%s)", err, res.Stderr)
	}

	statArgv := []string{"git", "-C", Workspace, "diff", "--staged", "--numstat"}
	statRes, err := e.run(ctx, statArgv)
	if err != nil {
		return Extraction{}, fmt.Errorf("git diff --numstat: %w", err)
	}
	stats := parseNumstat(statRes.Stdout)

	patchArgv := []string{
		"git", "-C", Workspace, "diff", "--staged",
		"--no-color", "--no-ext-diff",
		"--src-prefix=a/", "--dst-prefix=b/",
	}
	patchRes, err := e.run(ctx, patchArgv)
	if err != nil {
		return Extraction{}, fmt.Errorf("git diff --staged: %w", err)
	}
	patch := canonicalizePatch(patchRes.Stdout)

	return Extraction{Patch: patch, Stats: stats}, nil
}

// HasChanges runs the staged-vs-HEAD quiet comparison: nonzero exit means
// changes exist. This is a distinct, cheaper probe than Extract, used
// whenever only the yes/no answer is needed.
func (e *Engine) HasChanges(ctx context.Context) (bool, error) {
	if res, err := e.run(ctx, []string{"git", "-C", Workspace, "add", "-A"}); err != nil || res.ExitCode != 0 {
		return false, fmt.Errorf("git add -A: %w (stderr=%s)", err, res.Stderr)
	}
	res, err := e.run(ctx, []string{"git", "-C", Workspace, "diff", "--staged", "--quiet"})
	if err != nil {
		return false, fmt.Errorf("git diff --quiet: %w", err)
	}
	return res.ExitCode != 0, nil
}

func (e *Engine) run(ctx context.Context, argv []string) (containerx.ExecResult, error) {
	return e.Adapter.ExecCapture(ctx, e.ContainerID, argv, nil, nil)
}

// parseNumstat parses `git diff --numstat` output: "<added>\t<deleted>\t<path>"
// per line, with "-\t-\t<path>" for binary files.
func parseNumstat(out string) []FileStat {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	var stats []FileStat
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			fs.Additions, _ = strconv.Atoi(parts[0])
			fs.Deletions, _ = strconv.Atoi(parts[1])
		}
		stats = append(stats, fs)
	}
	return stats
}

// canonicalizePatch normalizes CRLF to LF so two patches capturing the same
// logical change are byte-identical regardless of the worker's line-ending
// habits; git diff already omits timestamps and color when invoked with the
// flags Extract uses.
func canonicalizePatch(patch string) string {
	return strings.ReplaceAll(patch, "\r\n", "\n")
}
