// Package rpm implements the RPM format build driver, grounded on
// original_source/fatbuildr/builds/formats/rpm.py.
package rpm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distr1/fatbuildr/internal/buildpipeline"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
	"github.com/distr1/fatbuildr/internal/templating"
)

var logger = logging.Logr("buildpipeline/rpm")

// Task builds a source then binary RPM inside a mock environment,
// grounded on ArtefactBuildRpm.
type Task struct {
	*buildpipeline.EnvBuildTask
}

func NewTask(id, name, user, place string, req buildpipeline.Request, pipelines instance.Pipelines, img *image.Image, reg registry.Registry, env *image.BuildEnv, kr *keyring.Keyring) *Task {
	return &Task{EnvBuildTask: buildpipeline.NewEnvBuildTask(id, name, user, place, req, pipelines, img, reg, env, kr)}
}

func (t *Task) specBasename() string { return t.Req.Artifact + ".spec" }
func (t *Task) srpmFilename() string { return t.Req.Artifact + "-" + t.Version.Full() + ".src.rpm" }
func (t *Task) srpmPath() string     { return filepath.Join(t.Place(), t.srpmFilename()) }

// Run prepares the artifact, builds the SRPM then the binary RPMs, signs
// them and publishes the result, mirroring ArtifactBuild.run via
// ArtefactBuildRpm.build.
func (t *Task) Run() error {
	logger.Infof("running rpm build %s", t.ID())
	if err := t.Prepare(); err != nil {
		return err
	}
	t.Version.Dist = t.Req.Distribution
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
	logger.Infof("building source rpm for %s", t.Req.Artifact)

	specTplPath := filepath.Join(t.Place(), "rpm", t.specBasename())
	specPath := filepath.Join(t.Place(), t.specBasename())
	if _, err := os.Stat(specTplPath); err != nil {
		return fmt.Errorf("rpm spec template file %s does not exist", specTplPath)
	}

	rendered, err := templating.FRender(specTplPath, map[string]any{
		"pkg":     t,
		"version": t.Version.Main,
		"release": t.Version.FullRelease(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(specPath, []byte(rendered), 0o644); err != nil {
		return err
	}

	env, err := t.Env.Name()
	if err != nil {
		return err
	}
	cmd := []string{
		"mock", "--root", env,
		"--buildsrpm",
		"--sources", t.cacheDirPublic(),
		"--spec", specPath,
		"--resultdir", t.Place(),
	}
	return t.RunContainer(cmd, nil)
}

func (t *Task) buildBin() error {
	logger.Infof("building binary rpm based on %s", t.srpmPath())

	keyringPath, err := t.BuildKeyringPath()
	if err != nil {
		return err
	}

	envName, err := t.Env.Name()
	if err != nil {
		return err
	}

	derivatives := t.Derivatives()
	cmd := []string{
		"mock", "--root", envName,
		"--enable-plugin", "fatbuildr_derivatives",
		"--plugin-option", "fatbuildr_derivatives:repo=" + t.Req.RegistryRoot,
		"--plugin-option", "fatbuildr_derivatives:distribution=" + t.Req.Distribution,
		"--plugin-option", "fatbuildr_derivatives:derivatives=" + strings.Join(derivatives, ","),
		"--plugin-option", "fatbuildr_derivatives:keyring=" + keyringPath,
		"--resultdir", t.Place(),
		"--rebuild", t.srpmPath(),
	}
	if err := t.RunContainer(cmd, nil); err != nil {
		return err
	}

	if err := t.Keyring.LoadAgent(); err != nil {
		return err
	}

	rpms, err := filepath.Glob(filepath.Join(t.Place(), "*.rpm"))
	if err != nil {
		return err
	}
	sort.Strings(rpms)
	for _, rpmPath := range rpms {
		logger.Debugf("signing rpm %s", rpmPath)
		sign := []string{
			"rpmsign",
			"--define", "%__gpg /usr/bin/gpg",
			"--define", "%_gpg_name " + t.Keyring.MasterKey.UserID,
			"--addsign", rpmPath,
		}
		if err := t.RunCmd(sign[0], sign[1:], map[string]string{"GNUPGHOME": t.Keyring.GnupgHome()}); err != nil {
			return err
		}
	}
	return nil
}

// cacheDirPublic exposes the build's artifact cache directory to the
// mock --sources flag; EnvBuildTask keeps the underlying field private
// since only the container-command layer needs the raw path.
func (t *Task) cacheDirPublic() string {
	return filepath.Join(t.Req.CacheRoot, t.Req.Artifact)
}
