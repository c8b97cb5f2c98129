package patchqueue

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/distr1/fatbuildr/internal/deb822"
	"github.com/distr1/fatbuildr/internal/logging"
)

var logger = logging.Logr("patchqueue")

// authorRe matches deb822 "Name <email>" author fields, as produced by
// the Author/From metadata keys on imported patches.
var authorRe = regexp.MustCompile(`^(?P<author>.+) <(?P<email>.+)>$`)

// GenericFieldKey marks a commit (and the patch it exports to) as
// applicable regardless of the artifact version being built.
const GenericFieldKey = "Generic"

// Repo is the throwaway Git repository a patch queue is built and
// exported from, grounded on git.py's GitRepository.
type Repo struct {
	Path string
	repo *git.Repository
	wt   *git.Worktree
}

// InitRepo creates a fresh repository at path with an initial empty
// commit authored by (user, email), removing any .gitignore first so
// prescript modifications are never silently excluded from the diff.
func InitRepo(path, user, email string) (*Repo, error) {
	gitignore := filepath.Join(path, ".gitignore")
	if _, err := os.Stat(gitignore); err == nil {
		logger.Infof("removing .gitignore before initializing git repository %s", path)
		if err := os.Remove(gitignore); err != nil {
			return nil, fmt.Errorf("removing .gitignore: %w", err)
		}
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("initializing git repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	r := &Repo{Path: path, repo: repo, wt: wt}
	if _, err := r.commit(user, email, "Initial commit", nil, nil); err != nil {
		return nil, fmt.Errorf("initial commit: %w", err)
	}
	return r, nil
}

func (r *Repo) commit(author, email, message string, meta *deb822.Paragraph, files []string) (*object.Commit, error) {
	if meta != nil {
		message = message + "\n\n" + meta.String()
	}
	if files == nil {
		if err := r.wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return nil, fmt.Errorf("staging all files: %w", err)
		}
	} else {
		for _, f := range files {
			if _, err := r.wt.Add(f); err != nil {
				return nil, fmt.Errorf("staging %s: %w", f, err)
			}
		}
	}
	sig := &object.Signature{Name: author, Email: email, When: time.Now()}
	hash, err := r.wt.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return r.repo.CommitObject(hash)
}

// Commit is the exported wrapper over commit used by callers outside
// this package (the "fatbuildr-prescript" synthetic export commit).
func (r *Repo) Commit(author, email, title string, meta *deb822.Paragraph, files []string) (*object.Commit, error) {
	return r.commit(author, email, title, meta, files)
}

func parseCommitMeta(commit *object.Commit) (*deb822.Paragraph, error) {
	parts := strings.SplitN(commit.Message, "\n\n", 2)
	if len(parts) < 2 {
		return deb822.New(), nil
	}
	return deb822.Parse([]byte(parts[1]))
}

func isMetaGeneric(meta *deb822.Paragraph) bool {
	v, ok := meta.Get(GenericFieldKey)
	return ok && v == "yes"
}

// walker iterates non-root commits reachable from HEAD, stopping before
// the repository's parentless initial commit, newest first.
func (r *Repo) walker(visit func(*object.Commit) error) error {
	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return fmt.Errorf("walking history: %w", err)
	}
	return iter.ForEach(func(c *object.Commit) error {
		if c.NumParents() == 0 {
			return storer.ErrStop
		}
		return visit(c)
	})
}

// diff returns the unified diff between commit and its first parent, or
// "" when the two trees are identical.
func (r *Repo) diff(commit *object.Commit) (string, error) {
	if commit.NumParents() == 0 {
		return "", nil
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return "", fmt.Errorf("resolving parent of %s: %w", commit.Hash, err)
	}
	patch, err := parent.Patch(commit)
	if err != nil {
		return "", fmt.Errorf("diffing %s against parent: %w", commit.Hash, err)
	}
	return patch.String(), nil
}

// ImportPatches imports every patch from dir's subdirectories, in order
// (generic then version-specific), each producing one commit.
func (r *Repo) ImportPatches(dir *Dir) error {
	for _, subdir := range dir.Subdirs() {
		if !subdir.Exists() {
			continue
		}
		patches, err := subdir.Patches()
		if err != nil {
			return err
		}
		for _, patch := range patches {
			if err := r.applyPatch(patch); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repo) applyPatch(patch *File) error {
	content, err := patch.Content()
	if err != nil {
		return fmt.Errorf("reading patch %s: %w", patch.FullName(), err)
	}
	meta, err := patch.Meta()
	if err != nil {
		return fmt.Errorf("parsing patch metadata %s: %w", patch.FullName(), err)
	}

	author, email := "Unknown Author", "unknown@email.com"
	for _, key := range []string{"Author", "From"} {
		if v, ok := meta.Get(key); ok {
			if m := authorRe.FindStringSubmatch(v); m != nil {
				author, email = m[1], m[2]
			}
			meta.Del(key)
			break
		}
	}

	if patch.Generic() {
		meta.Set(GenericFieldKey, "yes")
	}

	_, diffBody := splitHeaderBody(content)

	// patch(1) tolerates fuzz/offset that a strict native applier would
	// reject; its exit code is ignored deliberately, matching the
	// original's fuzzy-apply policy (a native reimplementation of patch
	// application is out of scope).
	cmd := exec.Command("patch", "--force", "--no-backup-if-mismatch", "--reject-file=-", "-p1")
	cmd.Dir = r.Path
	cmd.Stdin = strings.NewReader(diffBody)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	logger.Infof("applying patch %s", patch.FullName())
	if err := cmd.Run(); err != nil {
		logger.Warnf("patch %s applied with warnings: %v: %s", patch.FullName(), err, stderr.String())
	}

	_, err = r.commit(author, email, patch.Title(), meta, nil)
	return err
}

// ExportQueue re-exports every non-root commit back into dir, numbering
// the generic and version-specific streams independently and
// descending from HEAD, so after export the oldest commit in each
// stream ends up as 0001.
func (r *Repo) ExportQueue(dir *Dir) error {
	if err := dir.Ensure(); err != nil {
		return err
	}
	for _, subdir := range dir.Subdirs() {
		if err := subdir.Clean(); err != nil {
			return err
		}
	}

	var genericCount, versionCount int
	if err := r.walker(func(c *object.Commit) error {
		meta, err := parseCommitMeta(c)
		if err != nil {
			return err
		}
		if isMetaGeneric(meta) {
			genericCount++
		} else {
			versionCount++
		}
		return nil
	}); err != nil {
		return err
	}
	logger.Debugf("found %d generic and %d version specific commits in patch queue", genericCount, versionCount)

	return r.walker(func(c *object.Commit) error {
		meta, err := parseCommitMeta(c)
		if err != nil {
			return err
		}
		if isMetaGeneric(meta) {
			if err := r.exportCommit(dir.GenericSubdir(), genericCount, c, meta); err != nil {
				return err
			}
			genericCount--
		} else {
			if err := r.exportCommit(dir.VersionSubdir(), versionCount, c, meta); err != nil {
				return err
			}
			versionCount--
		}
		return nil
	})
}

func (r *Repo) exportCommit(subdir *Subdir, index int, commit *object.Commit, meta *deb822.Paragraph) error {
	meta.Set("Author", fmt.Sprintf("%s <%s>", commit.Author.Name, commit.Author.Email))
	meta.Del(GenericFieldKey)

	title := strings.SplitN(commit.Message, "\n", 2)[0]
	file := NewFile(subdir, fmt.Sprintf("%04d-%s", index, title))

	logger.Infof("generating patch file %s", file.FullName())

	diff, err := r.diff(commit)
	if err != nil {
		return err
	}
	if diff == "" {
		logger.Warnf("patch diff for %q is empty, skipping patch generation", title)
		return nil
	}
	if err := subdir.Ensure(); err != nil {
		return err
	}
	return file.Write(meta, diff)
}

// CommitExport commits the current working tree state (files, or
// everything when files is nil) as a single patch and immediately
// exports it into subdir at index, used for the synthetic
// "fatbuildr-prescript" commit.
func (r *Repo) CommitExport(subdir *Subdir, index int, title, author, email, description string, files []string) error {
	meta := deb822.New()
	meta.Set("Description", description)
	meta.Set("Forwarded", "no")
	meta.Set("Last-Update", time.Now().Format("2006-01-02"))

	commit, err := r.commit(author, email, title, meta, files)
	if err != nil {
		return err
	}

	exportMeta, err := parseCommitMeta(commit)
	if err != nil {
		return err
	}
	return r.exportCommit(subdir, index, commit, exportMeta)
}
