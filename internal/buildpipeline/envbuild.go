package buildpipeline

import (
	"os"
	"path/filepath"

	"github.com/distr1/fatbuildr/internal/archive"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/patchqueue"
	"github.com/distr1/fatbuildr/internal/registry"
)

// EnvBuildTask adds the container build-environment and prescript
// machinery shared by formats that build inside one (deb, rpm),
// mirroring ArtifactEnvBuild. OSI builds directly on BuildTask instead,
// since mkosi needs no persistent build environment and its format
// never defines a prescript.
type EnvBuildTask struct {
	BuildTask
	Env     *image.BuildEnv
	Keyring *keyring.Keyring
	// PrescriptCmd runs the prescript wrapper+script inside the build
	// environment; format drivers set it to the concrete container
	// invocation they use elsewhere (e.g. the same Runner/Execute path
	// rpm/deb use for their own build commands).
	PrescriptCmd func(dir string, script []string) error

	keyringPath string
}

// NewEnvBuildTask wires PrescriptFunc to the embedded BuildTask: Go
// embedding cannot dispatch BuildTask.Prepare's PrescriptFunc call back
// into EnvBuildTask on its own, so the closure is installed explicitly
// here at construction time.
func NewEnvBuildTask(id, name, user, place string, req Request, pipelines instance.Pipelines, img *image.Image, reg registry.Registry, env *image.BuildEnv, kr *keyring.Keyring) *EnvBuildTask {
	et := &EnvBuildTask{
		BuildTask: NewBuildTask(id, name, user, place, req, pipelines, img, reg, kr),
		Env:       env,
		Keyring:   kr,
	}
	et.BuildTask.PrescriptFunc = et.prescript
	et.PrescriptCmd = func(dir string, script []string) error {
		return et.RunContainerChdir(dir, script, []string{"FATBUILDR_SOURCE=" + req.Artifact})
	}
	return et
}

// BuildKeyringPath exports the instance keyring's public key in armored
// form into the build place (if not already done) and returns its path,
// for formats to bind-mount into their build environment.
func (et *EnvBuildTask) BuildKeyringPath() (string, error) {
	if et.keyringPath != "" {
		return et.keyringPath, nil
	}
	path := filepath.Join(et.Place(), "keyring.asc")
	armored, err := et.Keyring.Export()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(armored), 0o644); err != nil {
		return "", err
	}
	et.keyringPath = path
	return path, nil
}

// prescript extracts the upstream tarball into a scratch directory,
// initializes a git repository over it, imports any existing patch
// queue, runs the prescript in the build environment via PrescriptCmd,
// exports the resulting diff back into the patch queue at a fixed
// high index, then restores write permissions and discards the scratch
// directory. Mirrors ArtifactEnvBuild.prescript.
func (et *EnvBuildTask) prescript() error {
	scriptPath := filepath.Join(et.Place(), "pre.sh")
	if _, err := os.Stat(scriptPath); os.IsNotExist(err) {
		logger.Debugf("prescript not found, continuing with unmodified tarball")
		return nil
	}
	logger.Infof("running the prescript")

	upstreamDir := filepath.Join(et.Place(), "upstream")
	if err := os.Mkdir(upstreamDir, 0o755); err != nil {
		return err
	}

	tarballSubdir, err := archive.Open(et.Tarball).Extract(upstreamDir, 0)
	if err != nil {
		return err
	}

	gitignore := filepath.Join(tarballSubdir, ".gitignore")
	if _, err := os.Stat(gitignore); err == nil {
		logger.Infof("removing .gitignore from upstream archive")
		if err := os.Remove(gitignore); err != nil {
			return err
		}
	}

	repo, err := patchqueue.InitRepo(tarballSubdir, et.Req.UserName, et.Req.UserEmail)
	if err != nil {
		return err
	}

	dir := patchqueue.NewDir(et.Place(), et.Version.Main)
	if et.HasPatches() {
		if err := repo.ImportPatches(dir); err != nil {
			return err
		}
	}

	if et.PrescriptCmd != nil {
		wrapper := filepath.Join(et.Img.Path(), "usr/lib/fatbuildr/images/common/pre-wrapper.sh")
		if err := et.PrescriptCmd(tarballSubdir, []string{wrapper, scriptPath}); err != nil {
			return err
		}
	}

	if err := repo.CommitExport(dir.VersionSubdir(), 9999, "fatbuildr-prescript", et.Req.UserName, et.Req.UserEmail,
		"Patch generated by artifact pre-script.", nil); err != nil {
		return err
	}

	logger.Debugf("ensuring write permissions in upstream directory recursively prior to removal")
	if err := rchmod(upstreamDir); err != nil {
		return err
	}
	logger.Debugf("removing temporary upstream directory used for prescript")
	return os.RemoveAll(upstreamDir)
}

// rchmod ensures every directory under path is user-writable, so a
// build's own process (e.g. Go modules installed read-only) does not
// prevent the subsequent cleanup from removing them.
func rchmod(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := filepath.Join(path, e.Name())
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := os.Chmod(child, info.Mode()|0o200); err != nil {
			return err
		}
		if err := rchmod(child); err != nil {
			return err
		}
	}
	return nil
}
