// Package osi implements the OS image (OSI) format build driver,
// grounded on original_source/fatbuildr/builds/formats/osi.py. Unlike
// deb and rpm, mkosi needs no persistent build environment and the
// format never runs a prescript, so Task builds directly on
// buildpipeline.BuildTask rather than EnvBuildTask.
package osi

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/distr1/fatbuildr/internal/buildpipeline"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
)

var logger = logging.Logr("buildpipeline/osi")

// Task builds an OS image with mkosi and signs its checksum file.
type Task struct {
	buildpipeline.BuildTask
	Keyring *keyring.Keyring
}

func NewTask(id, name, user, place string, req buildpipeline.Request, pipelines instance.Pipelines, img *image.Image, reg registry.Registry, kr *keyring.Keyring) *Task {
	return &Task{BuildTask: buildpipeline.NewBuildTask(id, name, user, place, req, pipelines, img, reg, kr), Keyring: kr}
}

// Run prepares the artifact, builds the image with mkosi, signs its
// checksum file and publishes the result, mirroring ArtifactBuild.run
// via ArtefactBuildOsi.build.
func (t *Task) Run() error {
	logger.Infof("running osi build %s", t.ID())
	if err := t.Prepare(); err != nil {
		return err
	}
	if err := t.CheckNotDuplicate(); err != nil {
		return err
	}
	if err := t.build(); err != nil {
		return err
	}
	return t.Reg.Publish(t, t.Keyring)
}

func (t *Task) build() error {
	logger.Infof("building the os image based on %s", t.Req.Artifact)

	defPath := filepath.Join(t.Place(), "osi", t.Req.Artifact+".mkosi")
	if _, err := os.Stat(defPath); err != nil {
		return fmt.Errorf("unable to find os image definition file at %s", defPath)
	}

	cmd := []string{
		"mkosi", "--default", defPath,
		"--output-dir", t.Place(),
		"--image-id", t.Req.Artifact,
		"--image-version", t.Version.Main,
		"--checksum",
	}
	if err := t.RunContainer(cmd, nil); err != nil {
		return err
	}

	if err := t.Keyring.LoadAgent(); err != nil {
		return err
	}

	// mkosi's own signature feature is not used: for security reasons
	// the keyring is not available inside the build container. The
	// checksum file is signed here, outside it, the same way mkosi does
	// internally, as expected by systemd-importd.
	checksumPath := filepath.Join(t.Place(), "SHA256SUMS")
	sigPath := checksumPath + ".gpg"
	logger.Infof("signing checksum file %s", checksumPath)
	cmd = []string{
		"gpg", "--detach-sign",
		"--output", sigPath,
		"--default-key", t.Keyring.MasterKey.UserID,
		checksumPath,
	}
	return t.RunCmd(cmd[0], cmd[1:], map[string]string{"GNUPGHOME": t.Keyring.GnupgHome()})
}
