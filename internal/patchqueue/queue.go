package patchqueue

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/distr1/fatbuildr/internal/archive"
	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/fetch"
)

// Queue drives one interactive or scripted patch-queue session for a
// single artifact version, grounded on patches.py's PatchQueue.
type Queue struct {
	APath       string
	Derivative  string
	Artifact    string
	Defs        *artifact.Defs
	User        string
	Email       string
	Version     string
	SrcTarball  string
	CacheDir    string
	MessageFile string

	repo *Repo
}

// Run extracts (or downloads) the artifact's source tarball into a
// scratch Git repository, imports the existing patch queue, optionally
// drops the caller into an interactive shell to edit it, then
// re-exports the queue back into APath's patches directory.
func (q *Queue) Run(launchSubshell bool) error {
	logger.Debugf("running patch queue for artifact %s", q.Artifact)

	tarballPath := q.SrcTarball
	if tarballPath == "" {
		var err error
		tarballPath, err = q.downloadTarball()
		if err != nil {
			return err
		}
	}

	tmpdir, err := os.MkdirTemp("", fmt.Sprintf("fatbuildr-pq-%s", q.Artifact))
	if err != nil {
		return fmt.Errorf("creating temporary directory: %w", err)
	}
	defer os.RemoveAll(tmpdir)
	logger.Debugf("created temporary directory %s", tmpdir)

	repoPath, err := archive.Open(tarballPath).Extract(tmpdir, 0)
	if err != nil {
		return fmt.Errorf("extracting source tarball: %w", err)
	}

	repo, err := InitRepo(repoPath, q.User, q.Email)
	if err != nil {
		return err
	}
	q.repo = repo

	dir := NewDir(q.APath, q.Version)
	if err := repo.ImportPatches(dir); err != nil {
		return err
	}

	if launchSubshell {
		if err := q.launchSubshell(); err != nil {
			return err
		}
	}

	return repo.ExportQueue(dir)
}

func (q *Queue) downloadTarball() (string, error) {
	url := q.Defs.TarballURL(q.Version)
	cacheDir := q.CacheDir
	if cacheDir == "" {
		cacheDir = defaultUserCache()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory %s: %w", cacheDir, err)
	}

	tarballPath := filepath.Join(cacheDir, q.Defs.TarballFilename(q.Version))
	if _, err := os.Stat(tarballPath); os.IsNotExist(err) {
		if err := fetch.DownloadFile(url, tarballPath); err != nil {
			return "", err
		}
	}

	format, err := q.Defs.ChecksumFormat(q.Derivative)
	if err != nil {
		return "", err
	}
	value, err := q.Defs.ChecksumValue(q.Derivative)
	if err != nil {
		return "", err
	}
	if err := fetch.VerifyChecksum(tarballPath, format, value); err != nil {
		return "", err
	}
	return tarballPath, nil
}

func defaultUserCache() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "fatbuildr")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fatbuildr")
	}
	return filepath.Join(home, ".local", "fatbuildr")
}

func (q *Queue) launchSubshell() error {
	os.Setenv("FATBUILDR_PQ", q.Artifact)
	logger.Infof("\n\nWelcome to the Fatbuildr patch queue shell!\n\n"+
		"  Artifact: %s\n  Derivative: %s\n  Version: %s\n\n"+
		"Perform all the modifications in the Git repository and exit the shell when you are done.",
		q.Artifact, q.Derivative, q.Version)
	cmd := exec.Command("/bin/bash")
	cmd.Dir = q.repo.Path
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
