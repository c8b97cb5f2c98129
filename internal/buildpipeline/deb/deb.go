// Package deb implements the Deb format build driver, grounded on
// original_source/fatbuildr/builds/formats/deb.py.
package deb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/distr1/fatbuildr/internal/archive"
	"github.com/distr1/fatbuildr/internal/buildpipeline"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
)

var logger = logging.Logr("buildpipeline/deb")

// Task builds a Deb source and binary package inside a cowbuilder
// environment, grounded on ArtefactBuildDeb.
type Task struct {
	*buildpipeline.EnvBuildTask
}

func NewTask(id, name, user, place string, req buildpipeline.Request, pipelines instance.Pipelines, img *image.Image, reg registry.Registry, env *image.BuildEnv, kr *keyring.Keyring) *Task {
	return &Task{EnvBuildTask: buildpipeline.NewEnvBuildTask(id, name, user, place, req, pipelines, img, reg, env, kr)}
}

// Run prepares the artifact, builds the source then binary packages,
// and publishes the result, mirroring ArtifactBuild.run via
// ArtefactBuildDeb.build.
func (t *Task) Run() error {
	logger.Infof("running deb build %s", t.ID())
	if err := t.Prepare(); err != nil {
		return err
	}
	if err := t.CheckNotDuplicate(); err != nil {
		return err
	}
	if err := t.buildSrc(); err != nil {
		return err
	}
	if err := t.buildBin(); err != nil {
		return err
	}
	return t.Reg.Publish(t, t.Keyring)
}

func (t *Task) buildSrc() error {
	logger.Infof("building source deb packages for %s", t.Req.Artifact)

	tarballSubdir, err := archive.Open(t.Tarball).Extract(t.Place(), 0)
	if err != nil {
		return fmt.Errorf("extracting upstream tarball: %w", err)
	}

	debFrom := filepath.Join(t.Place(), "deb")
	debTo := filepath.Join(tarballSubdir, "debian")
	if err := copyTree(debFrom, debTo); err != nil {
		return fmt.Errorf("copying debian packaging code: %w", err)
	}

	logger.Infof("generating changelog")
	cmd := []string{
		"debchange", "--create",
		"--package", t.Req.Artifact,
		"--newversion", t.Version.Full(),
		"--distribution", t.Req.Distribution,
		t.Req.Message,
	}
	if err := t.RunContainerChdir(tarballSubdir, cmd, []string{
		"DEBEMAIL=" + t.Req.UserEmail, "DEBFULLNAME=" + t.Req.UserName,
	}); err != nil {
		return err
	}

	origTarball := filepath.Join(t.Place(), fmt.Sprintf("%s_%s.orig.tar.xz", t.Req.Artifact, t.Version.Main))
	if err := os.Symlink(t.Tarball, origTarball); err != nil && !os.IsExist(err) {
		return fmt.Errorf("symlinking orig tarball: %w", err)
	}

	logger.Infof("building source package")
	return t.RunContainerChdir(t.Place(), []string{"dpkg-source", "--build", tarballSubdir}, nil)
}

func (t *Task) buildBin() error {
	logger.Infof("building binary deb packages for %s", t.Req.Artifact)

	keyringPath, err := t.BuildKeyringPath()
	if err != nil {
		return err
	}

	dscPath := filepath.Join(t.Place(), fmt.Sprintf("%s_%s.dsc", t.Req.Artifact, t.Version.Full()))
	cmd := []string{
		"cowbuilder", "--build",
		"--hookdir", "/usr/lib/fatbuildr/images/deb/hooks",
		"--distribution", t.Req.Distribution,
		"--bindmounts", t.Place(),
		"--basepath", "/var/cache/pbuilder/" + t.Req.Distribution,
		"--buildresult", t.Place(),
		dscPath,
	}

	derivatives := t.Derivatives()
	reversed := make([]string, len(derivatives))
	for i, d := range derivatives {
		reversed[len(derivatives)-1-i] = d
	}

	return t.RunContainer(cmd, []string{
		"FATBUILDR_KEYRING=" + keyringPath,
		"FATBUILDR_SOURCE=" + t.Req.Artifact,
		"FATBUILDR_DERIVATIVES=" + joinSpace(reversed),
	})
}

func joinSpace(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += " "
		}
		out += it
	}
	return out
}

func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := os.WriteFile(d, data, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}
