package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit shells out to the git binary scoped to repoPath. No pack example
// vendors a git-plumbing library (go-git et al.), so this is the one part
// of the pipeline that talks to an external process via os/exec rather
// than a wired dependency; see DESIGN.md's standard-library exceptions.
func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), &GitError{Detail: fmt.Sprintf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))}
	}
	return out.String(), nil
}

func gitRevParse(ctx context.Context, repoPath, ref string) (string, error) {
	out, err := runGit(ctx, repoPath, "rev-parse", ref)
	return strings.TrimSpace(out), err
}

func gitCheckout(ctx context.Context, repoPath, branch string) error {
	_, err := runGit(ctx, repoPath, "checkout", branch)
	return err
}

func gitCheckoutNewBranch(ctx context.Context, repoPath, branch, from string) error {
	_, err := runGit(ctx, repoPath, "checkout", "-B", branch, from)
	return err
}

func gitMerge(ctx context.Context, repoPath, branch string) error {
	_, err := runGit(ctx, repoPath, "merge", "--no-ff", "--no-edit", branch)
	return err
}

func gitMergeAbort(ctx context.Context, repoPath string) error {
	_, err := runGit(ctx, repoPath, "merge", "--abort")
	return err
}

func gitResetHard(ctx context.Context, repoPath, ref string) error {
	_, err := runGit(ctx, repoPath, "reset", "--hard", ref)
	return err
}

// gitDiffStat returns the diffstat of branch against base; an empty result
// means the worker persona produced no changes.
func gitDiffStat(ctx context.Context, repoPath, base, branch string) (string, error) {
	return runGit(ctx, repoPath, "diff", "--stat", base+"..."+branch)
}
