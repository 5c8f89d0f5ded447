// Package vcs derives the release version of a checkout from its git tags.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/mod/semver"

	"github.com/VoxDroid/relkit/internal/nameutil"
	"github.com/VoxDroid/relkit/internal/relerr"
)

const op = "resolve-version"

// Resolver produces the canonical version string for a checkout.
//
// A commit carrying a tag resolves to the tag name without its leading "v".
// Any other commit resolves to "<tag>.dev<N>+g<hash>", where tag is the
// nearest reachable tag and N the number of commits since it.
type Resolver struct {
	// Dir is any path inside the checkout.
	Dir string
	// Override, if set, is returned verbatim without reading the repository.
	Override string
}

// Resolve returns the version. It fails with relerr.ErrVersionUnavailable
// if the checkout is missing, shallow, or has no reachable tag.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.Override != "" {
		if err := nameutil.ValidateName(r.Override); err != nil {
			return "", relerr.Newf(relerr.ErrVersionUnavailable, op, "override %q: %v", r.Override, err)
		}
		return r.Override, nil
	}

	repo, err := git.PlainOpenWithOptions(r.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, fmt.Errorf("open repository %q: %w", r.Dir, err))
	}
	shallow, err := repo.Storer.Shallow()
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, fmt.Errorf("read shallow info: %w", err))
	}
	if len(shallow) > 0 {
		return "", relerr.Newf(relerr.ErrVersionUnavailable, op, "repository is shallow; fetch full history before resolving")
	}
	head, err := repo.Head()
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, fmt.Errorf("get HEAD: %w", err))
	}

	tags, err := commitTags(repo)
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, err)
	}
	if names, ok := tags[head.Hash()]; ok {
		return trimTag(bestTag(names)), nil
	}

	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, fmt.Errorf("get HEAD commit: %w", err))
	}
	tagCommit, tag, err := nearestTag(ctx, repo, headCommit, tags)
	if err != nil {
		return "", err
	}
	distance, err := distanceFrom(ctx, headCommit, tagCommit)
	if err != nil {
		return "", relerr.New(relerr.ErrVersionUnavailable, op, err)
	}
	return fmt.Sprintf("%s.dev%d+g%s", trimTag(tag), distance, head.Hash().String()[:7]), nil
}

// Head returns the full hash of the checkout's HEAD commit. It works for
// shallow clones and ignores Override.
func (r *Resolver) Head(_ context.Context) (string, error) {
	repo, err := git.PlainOpenWithOptions(r.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository %q: %w", r.Dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// commitTags maps every tagged commit to its tag names. Annotated tags are
// peeled to the commit they point at; tags of non-commit objects are ignored.
func commitTags(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	out := map[plumbing.Hash][]string{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		hash := ref.Hash()
		if obj, err := repo.TagObject(hash); err == nil {
			c, err := obj.Commit()
			if err != nil {
				return nil
			}
			hash = c.Hash
		} else if !errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("read tag %s: %w", ref.Name().Short(), err)
		}
		out[hash] = append(out[hash], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nearestTag walks HEAD's history breadth-first and returns the tagged
// commit with the smallest generation distance.
func nearestTag(ctx context.Context, repo *git.Repository, head *object.Commit, tags map[plumbing.Hash][]string) (*object.Commit, string, error) {
	seen := map[plumbing.Hash]bool{head.Hash: true}
	level := []*object.Commit{head}
	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, "", relerr.New(relerr.ErrVersionUnavailable, op, err)
		}
		var (
			found    *object.Commit
			foundTag string
			next     []*object.Commit
		)
		for _, c := range level {
			if names, ok := tags[c.Hash]; ok {
				t := bestTag(names)
				if found == nil || compareTags(t, foundTag) > 0 {
					found, foundTag = c, t
				}
			}
			err := c.Parents().ForEach(func(p *object.Commit) error {
				if !seen[p.Hash] {
					seen[p.Hash] = true
					next = append(next, p)
				}
				return nil
			})
			if err != nil {
				return nil, "", relerr.New(relerr.ErrVersionUnavailable, op, fmt.Errorf("walk history: %w", err))
			}
		}
		if found != nil {
			return found, foundTag, nil
		}
		// keep the walk independent of parent iteration order
		sort.Slice(next, func(i, j int) bool { return next[i].Hash.String() < next[j].Hash.String() })
		level = next
	}
	return nil, "", relerr.Newf(relerr.ErrVersionUnavailable, op, "no tag reachable from HEAD %s", head.Hash.String()[:7])
}

// distanceFrom counts commits reachable from head but not from base.
func distanceFrom(ctx context.Context, head, base *object.Commit) (int, error) {
	excluded := map[plumbing.Hash]bool{}
	err := object.NewCommitPreorderIter(base, nil, nil).ForEach(func(c *object.Commit) error {
		excluded[c.Hash] = true
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("walk tag history: %w", err)
	}
	n := 0
	err = object.NewCommitPreorderIter(head, excluded, nil).ForEach(func(*object.Commit) error {
		n++
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("walk HEAD history: %w", err)
	}
	return n, nil
}

func bestTag(names []string) string {
	best := names[0]
	for _, n := range names[1:] {
		if compareTags(n, best) > 0 {
			best = n
		}
	}
	return best
}

// compareTags orders tags semantically when both parse as versions and
// lexically otherwise.
func compareTags(a, b string) int {
	va, vb := "v"+trimTag(a), "v"+trimTag(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		if c := semver.Compare(va, vb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

func trimTag(tag string) string {
	if len(tag) > 1 && (tag[0] == 'v' || tag[0] == 'V') && tag[1] >= '0' && tag[1] <= '9' {
		return tag[1:]
	}
	return tag
}
