// Package buildpipeline implements the artifact build task: the common
// extract/fetch/prescript/render sequence every format shares, plus a
// concrete driver per format in internal/buildpipeline/{deb,rpm,osi}.
// Grounded on original_source/fatbuildr/builds/__init__.py's
// ArtifactBuild and ArtifactEnvBuild.
package buildpipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distr1/fatbuildr/internal/archive"
	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/fetch"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
	"github.com/distr1/fatbuildr/internal/tasks"
	"github.com/distr1/fatbuildr/internal/templating"
)

var logger = logging.Logr("buildpipeline")

// Request is everything a submitted build needs, independent of format:
// the mirror of RunnableTask/ArtifactBuild's constructor arguments.
type Request struct {
	Format         registry.Format
	Distribution   string
	Architectures  []string
	Derivative     string
	Artifact       string
	UserName       string
	UserEmail      string
	Message        string
	InputTarball   string
	SrcTarball     string
	CacheRoot      string
	RegistryRoot   string
	InitOpts       []string
}

// BuildTask carries the state and behavior shared by every format's
// build, mirroring ArtifactBuild. Concrete format drivers embed it (or
// EnvBuildTask, which itself embeds it) and implement Run themselves,
// calling Prepare then their own build() then Reg.Publish.
type BuildTask struct {
	tasks.BaseTask
	Req       Request
	Pipelines instance.Pipelines
	Img       *image.Image
	Reg       registry.Registry
	Signer    registry.Signer

	Defs       *artifact.Defs
	Version    artifact.Version
	Tarball    string
	cacheDir   string

	// PrescriptFunc is invoked once the upstream tarball is resolved and
	// before rename/template rendering. Left nil for formats that never
	// run a prescript (the embedding BuildTask); EnvBuildTask sets it to
	// its own prescript via closure, because a struct embedding
	// BuildTask cannot otherwise regain the outer type in a shared
	// Prepare method.
	PrescriptFunc func() error
}

// NewBuildTask constructs the common build state; id/name/user/place
// come from the task submission, the rest from the build request.
func NewBuildTask(id, name, user, place string, req Request, pipelines instance.Pipelines, img *image.Image, reg registry.Registry, signer registry.Signer) BuildTask {
	return BuildTask{
		BaseTask:  tasks.NewBaseTask(id, name, user, place),
		Req:       req,
		Pipelines: pipelines,
		Img:       img,
		Reg:       reg,
		Signer:    signer,
		cacheDir:  filepath.Join(req.CacheRoot, req.Artifact),
	}
}

func (b *BuildTask) Artifact() string     { return b.Req.Artifact }
func (b *BuildTask) Distribution() string { return b.Req.Distribution }
func (b *BuildTask) Derivative() string   { return b.Req.Derivative }

func (b *BuildTask) Fields() tasks.Fields {
	return tasks.Fields{
		ID: b.ID(), Name: b.Name(), User: b.User(),
		State: b.State(),
		Extra: map[string]string{
			"format":       b.Req.Format.String(),
			"distribution": b.Req.Distribution,
			"derivative":   b.Req.Derivative,
			"artifact":     b.Req.Artifact,
			"message":      b.Req.Message,
		},
	}
}

func (b *BuildTask) HistID() string {
	return fmt.Sprintf("%s:%s:%s", b.Req.Format, b.Req.Distribution, b.Req.Artifact)
}

// Derivatives returns the recursive list of derivatives extended by the
// request's derivative.
func (b *BuildTask) Derivatives() []string {
	return b.Pipelines.RecursiveDerivatives(b.Req.Derivative)
}

// RunContainer runs cmd inside the build's image, bind-mounting the
// build place and artifact cache (plus the registry root once it
// exists), mirroring ArtifactBuild.cruncmd. b itself satisfies
// image.Runner through BaseTask.RunCmd's promoted method.
func (b *BuildTask) RunContainer(cmd []string, envs []string) error {
	return b.runContainerIn("", cmd, envs)
}

// RunContainerChdir is RunContainer with a working directory inside the
// container, used to run the prescript wrapper against the extracted
// upstream subdirectory.
func (b *BuildTask) RunContainerChdir(dir string, cmd []string, envs []string) error {
	return b.runContainerIn(dir, cmd, envs)
}

func (b *BuildTask) runContainerIn(chdir string, cmd []string, envs []string) error {
	binds := []string{b.Place(), b.cacheDir}
	if b.Reg.Exists() && b.Req.RegistryRoot != "" {
		binds = append(binds, b.Req.RegistryRoot)
	}
	return image.RunContainer(b, b.Img, cmd, image.ContainerOpts{Binds: binds, Envs: envs, Chdir: chdir}, b.Req.InitOpts)
}

func (b *BuildTask) patchesDir() string {
	return filepath.Join(b.Place(), "patches", b.Version.Main)
}

// HasPatches reports whether the artifact patches directory exists for
// the resolved version.
func (b *BuildTask) HasPatches() bool {
	_, err := os.Stat(b.patchesDir())
	return err == nil
}

// CheckNotDuplicate queries the target registry for the source's
// currently published version and fails if it already matches the
// version this build resolved, per spec.md's republish-protection
// invariant: rather than building and colliding at publish time, the
// duplicate is caught before any format-specific build step runs.
func (b *BuildTask) CheckNotDuplicate() error {
	published, err := b.Reg.SourceVersion(b.Req.Distribution, b.Req.Derivative, b.Req.Artifact)
	if err != nil {
		return fmt.Errorf("checking published source version: %w", err)
	}
	if published != nil && published.Equal(b.Version) {
		return &ferrors.RegistryError{Msg: fmt.Sprintf(
			"%s version %s is already published in %s/%s",
			b.Req.Artifact, b.Version.Full(), b.Req.Distribution, b.Req.Derivative,
		)}
	}
	return nil
}

// Prepare extracts the input tarball, loads artifact definitions,
// resolves the targeted version (from a provided source tarball, from
// cache, or from format metadata alone for tarball-less formats like
// OSI), runs the format's prescript hook if any, then follows any
// rename index and renders every format-subdirectory template. Mirrors
// ArtifactBuild.prepare.
func (b *BuildTask) Prepare() error {
	logger.Infof("extracting tarball %s into %s", b.Req.InputTarball, b.Place())
	if err := archive.ExtractTarSafely(b.Req.InputTarball, b.Place(), 0); err != nil {
		return fmt.Errorf("extracting input tarball: %w", err)
	}
	if err := os.Remove(b.Req.InputTarball); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing input tarball: %w", err)
	}

	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating artifact cache directory: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(b.Place(), "meta.yml"))
	if err != nil {
		return fmt.Errorf("reading artifact definitions: %w", err)
	}
	meta, err := artifact.ParseMeta(data)
	if err != nil {
		return fmt.Errorf("parsing artifact definitions: %w", err)
	}
	b.Defs = &artifact.Defs{Meta: meta, Name: b.Req.Artifact}

	switch {
	case b.Req.SrcTarball != "":
		srcTarball := b.Req.SrcTarball
		if strings.HasSuffix(srcTarball, ".zip") {
			converted := strings.TrimSuffix(srcTarball, ".zip") + ".tar.xz"
			logger.Infof("converting provided zip source %s to %s", srcTarball, converted)
			if err := archive.ConvertTar(srcTarball, converted); err != nil {
				return fmt.Errorf("converting zip source tarball: %w", err)
			}
			if err := os.Remove(srcTarball); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing converted zip source tarball: %w", err)
			}
			srcTarball = converted
		}
		target := filepath.Join(b.Place(), filepath.Base(srcTarball))
		logger.Infof("using provided source tarball %s", target)
		if err := os.Rename(srcTarball, target); err != nil {
			return fmt.Errorf("moving provided source tarball: %w", err)
		}
		base := filepath.Base(srcTarball)
		mainVersion := strings.TrimSuffix(strings.TrimPrefix(base, b.Req.Artifact+"_"), ".tar.xz")
		release, err := b.Defs.Release(b.Req.Format.String())
		if err != nil {
			return err
		}
		version, err := artifact.ParseVersion(fmt.Sprintf("%s-%s", mainVersion, release))
		if err != nil {
			return err
		}
		b.Version = version
		b.Tarball = target
	case !b.Defs.HasTarball():
		versionStr, err := b.Defs.Version(b.Req.Derivative)
		if err != nil {
			return err
		}
		release, err := b.Defs.Release(b.Req.Format.String())
		if err != nil {
			return err
		}
		version, err := artifact.ParseVersion(fmt.Sprintf("%s-%s", versionStr, release))
		if err != nil {
			return err
		}
		b.Version = version
		return b.runPrescriptAndRender()
	default:
		versionStr, err := b.Defs.Version(b.Req.Derivative)
		if err != nil {
			return err
		}
		release, err := b.Defs.Release(b.Req.Format.String())
		if err != nil {
			return err
		}
		version, err := artifact.ParseVersion(fmt.Sprintf("%s-%s", versionStr, release))
		if err != nil {
			return err
		}
		b.Version = version

		cachedTarball := filepath.Join(b.cacheDir, b.Defs.TarballFilename(version.Main))
		if _, err := os.Stat(cachedTarball); os.IsNotExist(err) {
			if err := fetch.DownloadFile(b.Defs.TarballURL(version.Main), cachedTarball); err != nil {
				return fmt.Errorf("downloading upstream tarball: %w", err)
			}
		}
		format, err := b.Defs.ChecksumFormat(b.Req.Derivative)
		if err != nil {
			return err
		}
		value, err := b.Defs.ChecksumValue(b.Req.Derivative)
		if err != nil {
			return err
		}
		if err := fetch.VerifyChecksum(cachedTarball, format, value); err != nil {
			return fmt.Errorf("verifying upstream tarball checksum: %w", err)
		}
		logger.Infof("using cached upstream tarball %s", cachedTarball)
		b.Tarball = cachedTarball
	}

	return b.runPrescriptAndRender()
}

func (b *BuildTask) runPrescriptAndRender() error {
	if b.PrescriptFunc != nil {
		if err := b.PrescriptFunc(); err != nil {
			return fmt.Errorf("running prescript: %w", err)
		}
	}
	if err := b.applyRenameIndex(); err != nil {
		return err
	}
	return b.renderFormatTemplates()
}

func (b *BuildTask) applyRenameIndex() error {
	idxPath := filepath.Join(b.Place(), "rename")
	tplPath := idxPath + ".j2"
	if _, err := os.Stat(tplPath); err == nil {
		rendered, err := templating.FRender(tplPath, map[string]any{"version": b.Version})
		if err != nil {
			return fmt.Errorf("rendering rename index template: %w", err)
		}
		if err := os.WriteFile(idxPath, []byte(rendered), 0o644); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			logger.Warnf("unable to parse rename index rule %q", line)
			continue
		}
		src := filepath.Join(b.Place(), parts[0])
		dest := filepath.Join(b.Place(), parts[1])
		if _, err := os.Stat(src); err != nil {
			logger.Warnf("source file %s in rename index not found", src)
			continue
		}
		logger.Infof("renaming %s -> %s", src, dest)
		if err := os.Rename(src, dest); err != nil {
			return err
		}
	}
	return nil
}

func (b *BuildTask) renderFormatTemplates() error {
	root := filepath.Join(b.Place(), b.Req.Format.String())
	var tpls []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".j2") {
			tpls = append(tpls, path)
		}
		return nil
	})
	sort.Strings(tpls)
	for _, tplPath := range tpls {
		destPath := strings.TrimSuffix(tplPath, ".j2")
		logger.Infof("rendering file %s based on template %s", destPath, tplPath)
		rendered, err := templating.FRender(tplPath, map[string]any{"version": b.Version})
		if err != nil {
			return err
		}
		info, err := os.Stat(tplPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(destPath, []byte(rendered), info.Mode()); err != nil {
			return err
		}
	}
	return nil
}
