// Package vcs reads working-tree state from git.
//
// Every query is best-effort: a failing git call yields a neutral value
// ("none", empty, false) instead of an error, since diff and history are
// context for prompts and scoring rather than preconditions.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"golang.org/x/sync/errgroup"
)

// None is the placeholder returned when git has nothing to report.
const None = "none"

// Git implements the VCS queries for a checkout directory.
type Git struct {
	// Binary is the git executable; "git" when empty.
	Binary string
}

// New returns a Git adapter using the git found on PATH.
func New() *Git {
	return &Git{Binary: "git"}
}

// DiffStat returns `git diff --stat` output, or "none".
func (g *Git) DiffStat(ctx context.Context, dir string) string {
	out, err := g.run(ctx, dir, "diff", "--stat")
	if err != nil {
		return None
	}
	if trimmed := strings.TrimSpace(out); trimmed != "" {
		return trimmed
	}
	return None
}

// ChangedFileNames returns unstaged then staged changed paths, deduplicated in
// first-seen order.
func (g *Git) ChangedFileNames(ctx context.Context, dir string) []string {
	unstaged, staged := g.both(ctx, dir, []string{"diff", "--name-only"}, []string{"diff", "--cached", "--name-only"})

	var names []string
	seen := make(map[string]struct{})
	for _, out := range []string{unstaged, staged} {
		for _, line := range strings.Split(out, "\n") {
			name := strings.TrimSpace(line)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// DiffPatch returns the unstaged and staged textual diffs joined by a newline.
func (g *Git) DiffPatch(ctx context.Context, dir string) string {
	unstaged, staged := g.both(ctx, dir, []string{"diff"}, []string{"diff", "--cached"})

	var chunks []string
	for _, out := range []string{unstaged, staged} {
		if out != "" {
			chunks = append(chunks, out)
		}
	}
	return strings.Join(chunks, "\n")
}

// HasUncommittedChanges reports whether the index or the working tree differ
// from HEAD. Errors other than "differences found" count as no changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, dir string) bool {
	for _, args := range [][]string{{"diff", "--quiet"}, {"diff", "--cached", "--quiet"}} {
		_, err := g.run(ctx, dir, args...)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return true
		}
	}
	return false
}

// RecentCommits returns up to n commits as "[<short hash>] <subject>" lines,
// newest first, or "none".
func (g *Git) RecentCommits(ctx context.Context, dir string, n int) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return None
	}
	head, err := repo.Head()
	if err != nil {
		return None
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return None
	}
	defer iter.Close()

	var lines []string
	err = iter.ForEach(func(c *object.Commit) error {
		if len(lines) >= n || ctx.Err() != nil {
			return storer.ErrStop
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
		lines = append(lines, "["+c.Hash.String()[:7]+"] "+strings.TrimSpace(subject))
		return nil
	})
	if err != nil || len(lines) == 0 {
		return None
	}
	return strings.Join(lines, "\n")
}

// ProjectName returns the base name of the repository's top-level directory,
// or of dir itself outside a repository.
func (g *Git) ProjectName(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err == nil {
		if wt, err := repo.Worktree(); err == nil {
			return filepath.Base(wt.Filesystem.Root())
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Base(dir)
	}
	return filepath.Base(abs)
}

// Branch returns the current branch with "/" replaced by "-", "HEAD" when
// detached, or "unknown" when it cannot be determined.
func (g *Git) Branch(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "unknown"
	}
	head, err := repo.Head()
	if err != nil {
		return "unknown"
	}
	if !head.Name().IsBranch() {
		return "HEAD"
	}
	return strings.ReplaceAll(head.Name().Short(), "/", "-")
}

// TaskListID identifies the shared task list for a checkout: <project>-<branch>.
func (g *Git) TaskListID(dir string) string {
	return g.ProjectName(dir) + "-" + g.Branch(dir)
}

// both runs two git commands concurrently and returns their stdout. A failed
// command contributes an empty string.
func (g *Git) both(ctx context.Context, dir string, first, second []string) (string, string) {
	var a, b string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		out, err := g.run(egCtx, dir, first...)
		if err == nil {
			a = out
		}
		return nil
	})
	eg.Go(func() error {
		out, err := g.run(egCtx, dir, second...)
		if err == nil {
			b = out
		}
		return nil
	})
	_ = eg.Wait()
	return a, b
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return stdout.String(), err
	}
	return stdout.String(), nil
}
