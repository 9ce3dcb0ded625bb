package diffstore

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgecore/workerd/internal/errs"
)

// applyPatch runs a three-step algorithm: (a) validate via
// a dry run, (b) reject with a structured conflict error if validation
// fails, (c) apply for real, (d) on failure at (c) only, best-effort fall
// back to a generic patch applier ("patch" instead of "git apply").
func applyPatch(ctx context.Context, targetWorkspace, patch string) error {
	if err := dryRunApply(ctx, targetWorkspace, patch); err != nil {
		return errs.Wrap(errs.Conflict, "patch does not apply cleanly to target workspace", err)
	}
	if err := gitApply(ctx, targetWorkspace, patch); err != nil {
		if fallbackErr := genericPatchApply(ctx, targetWorkspace, patch); fallbackErr != nil {
			return errs.Wrap(errs.Conflict, "git apply and fallback patch both failed", err)
		}
	}
	return nil
}

// dryRunApply validates the patch against the target's current state
// without writing anything, matching the staged-vs-HEAD check detection
// style the Workspace Git Engine uses for its own "has changes" probe.
func dryRunApply(ctx context.Context, target, patch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", target, "apply", "--check", "--whitespace=nowarn", "-") //nolint:gosec // target/patch come from internal state, not untrusted user input.
	cmd.Stdin = strings.NewReader(patch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git apply --check: %w: %s", err, stderr.String())
	}
	return nil
}

func gitApply(ctx context.Context, target, patch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", target, "apply", "--whitespace=nowarn", "-") //nolint:gosec // see dryRunApply.
	cmd.Stdin = strings.NewReader(patch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git apply: %w: %s", err, stderr.String())
	}
	return nil
}

// genericPatchApply is the fallback patch applier for when git apply itself
// fails despite a clean dry run (e.g. a target workspace with no .git at
// all). It shells out to the POSIX "patch" utility instead.
func genericPatchApply(ctx context.Context, target, patch string) error {
	cmd := exec.CommandContext(ctx, "patch", "-p1", "-d", target, "--no-backup-if-mismatch", "-f") //nolint:gosec // see dryRunApply.
	cmd.Stdin = strings.NewReader(patch)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("patch: %w: %s", err, stderr.String())
	}
	return nil
}
