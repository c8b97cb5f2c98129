// Package image manages per-format container images and the
// per-(format,distribution,architecture) build environments inside
// them, grounded on original_source/fatbuildr/images.py and
// containers.py.
package image

import (
	"archive/tar"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/distr1/fatbuildr/internal/ferrors"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
	"github.com/distr1/fatbuildr/internal/templating"
)

var logger = logging.Logr("image")

// FormatConfig holds the per-format image/build-environment settings
// read from system configuration (conf.<format> in the original).
type FormatConfig struct {
	Builder               string
	PrescriptDeps         []string
	ImgCreateUseSysusersd bool
	ImgUpdateCmds         string
	EnvPath               string
	EnvAsRoot             bool
	InitCmds              string
	EnvUpdateCmds         string
	ShellCmd              string
	ExecCmd               string
	ExecTmpfile           bool
	EnvDefaultMirror      string
	EnvDefaultComponents  []string
	EnvDefaultModules     []string
}

// ManagerConfig is the subset of system configuration ImagesManager
// needs beyond the per-format tables above.
type ManagerConfig struct {
	Storage   string
	Defs      string
	CreateCmd string
	InitOpts  []string
	Formats   map[registry.Format]FormatConfig
}

// Runner executes commands on behalf of a running task: either directly
// on the host, or inside a container image via systemd-nspawn. It is
// satisfied by the task engine's task type, kept decoupled here to
// avoid an import cycle between internal/image and internal/tasks.
type Runner interface {
	RunCmd(name string, args []string, env map[string]string) error
}

// ContainerOpts configures one systemd-nspawn invocation.
type ContainerOpts struct {
	Init   bool
	AsRoot bool
	Envs   []string
	Binds  []string
	Chdir  string
}

// RunContainer runs runcmd inside image's container via systemd-nspawn,
// grounded on containers.py's ContainerRunner.run.
func RunContainer(runner Runner, img *Image, runcmd []string, opts ContainerOpts, initOpts []string) error {
	args := []string{"--directory", img.Path()}
	if opts.Init {
		args = append(args, initOpts...)
	}
	for _, b := range opts.Binds {
		args = append(args, "--bind", b)
	}
	if opts.Chdir != "" {
		args = append(args, "--chdir", opts.Chdir)
	}
	for _, e := range opts.Envs {
		args = append(args, "--setenv", e)
	}
	args = append(args, runcmd...)
	logger.Debugf("running command in container: systemd-nspawn %s", strings.Join(args, " "))
	return runner.RunCmd("systemd-nspawn", args, nil)
}

// Image is one format's container image.
type Image struct {
	conf     ManagerConfig
	format   registry.Format
	instance string
}

func (i *Image) Path() string {
	return filepath.Join(i.conf.Storage, i.instance, i.format.String()+".img")
}

func (i *Image) defPath() string {
	return filepath.Join(i.conf.Defs, i.format.String()+".mkosi")
}

func (i *Image) skeletonPath() string {
	return filepath.Join(i.conf.Storage, "skeleton.tar")
}

// Exists reports whether the image file has been built.
func (i *Image) Exists() bool {
	_, err := os.Stat(i.Path())
	return err == nil
}

// DefExists reports whether the image's mkosi definition file is
// present.
func (i *Image) DefExists() bool {
	_, err := os.Stat(i.defPath())
	return err == nil
}

func (i *Image) formatConf() FormatConfig {
	return i.conf.Formats[i.format]
}

func currentUserGroup() (uid, gid int, user_, group string, err error) {
	u, err := user.Current()
	if err != nil {
		return 0, 0, "", "", err
	}
	g, err := user.LookupGroupId(u.Gid)
	if err != nil {
		return 0, 0, "", "", err
	}
	uidN, _ := strconv.Atoi(u.Uid)
	gidN, _ := strconv.Atoi(u.Gid)
	return uidN, gidN, u.Username, g.Name, nil
}

func tarFile(w *tar.Writer, content, path string, mode int64) error {
	hdr := &tar.Header{Name: path, Size: int64(len(content)), Mode: mode}
	if err := w.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := w.Write([]byte(content))
	return err
}

// Create builds the image, grounded on images.py's Image.create: it
// first regenerates the skeleton archive (sysusers.d or passwd/group
// fallback for the running user), then runs the configured create
// command template.
func (i *Image) Create(runner Runner, force bool) error {
	logger.Infof("creating image for %s format", i.format)

	if i.Exists() && !force {
		return &ferrors.PipelineError{Msg: fmt.Sprintf("image %s already exists, use force to ignore", i.defPath())}
	}
	if !i.DefExists() {
		return &ferrors.PipelineError{Msg: fmt.Sprintf("unable to find image definition file %s", i.defPath())}
	}

	logger.Infof("generating skeleton archive %s", i.skeletonPath())
	os.Remove(i.skeletonPath())

	uid, gid, user_, group, err := currentUserGroup()
	if err != nil {
		return &ferrors.RuntimeError{Op: "resolve current user/group", Err: err}
	}

	f, err := os.OpenFile(i.skeletonPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return &ferrors.RuntimeError{Op: "create skeleton archive", Err: err}
	}
	tw := tar.NewWriter(f)
	fc := i.formatConf()
	var tarErr error
	if fc.ImgCreateUseSysusersd {
		content := fmt.Sprintf("g %s %d\nu %s %d:%d \"Fatbuildr user\"\n", group, gid, user_, uid, gid)
		tarErr = tarFile(tw, content, "usr/lib/sysusers.d/fatbuildr.conf", 0o644)
	} else {
		if tarErr == nil {
			tarErr = tarFile(tw, fmt.Sprintf("%s:x:%d:%d:Fatbuildr system user:/:/bin/false\n", user_, uid, gid), "etc/passwd", 0o644)
		}
		if tarErr == nil {
			tarErr = tarFile(tw, fmt.Sprintf("%s:x:%d:\n", group, gid), "etc/group", 0o644)
		}
		if tarErr == nil {
			tarErr = tarFile(tw, fmt.Sprintf("%s:!*::\n", group), "etc/gshadow", 0o640)
		}
	}
	tw.Close()
	f.Close()
	if tarErr != nil {
		return &ferrors.RuntimeError{Op: "write skeleton archive", Err: tarErr}
	}

	rendered, err := templating.SRender(i.conf.CreateCmd, map[string]any{
		"format":     i.format.String(),
		"definition": i.defPath(),
		"path":       i.Path(),
		"skeleton":   i.skeletonPath(),
		"user":       user_,
		"group":      group,
		"uid":        uid,
		"gid":        gid,
	})
	if err != nil {
		return &ferrors.RuntimeError{Op: "render image create command", Err: err}
	}
	args := strings.Fields(rendered)
	if force && len(args) > 0 {
		args = append(args[:1], append([]string{"--force"}, args[1:]...)...)
	}
	if len(args) == 0 {
		return &ferrors.PipelineError{Msg: "image create command template rendered empty"}
	}
	return runner.RunCmd(args[0], args[1:], nil)
}

// Update refreshes an existing image by running the format's update
// command sequence inside the container, as root.
func (i *Image) Update(runner Runner, initOpts []string) error {
	logger.Infof("updating image for %s format", i.format)
	if !i.Exists() {
		return &ferrors.PipelineError{Msg: fmt.Sprintf("image %s does not exist, create it first", i.Path())}
	}
	for _, cmd := range splitAnd(i.formatConf().ImgUpdateCmds) {
		if err := RunContainer(runner, i, splitShell(cmd), ContainerOpts{Init: true, AsRoot: true}, initOpts); err != nil {
			return err
		}
	}
	return nil
}

func splitAnd(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "&&") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitShell(s string) []string {
	return strings.Fields(s)
}

// BuildEnv is a per-(format, environment, architecture) chroot inside
// an Image, grounded on images.py's BuildEnv.
type BuildEnv struct {
	Image        *Image
	Environment  string
	Architecture string
	Mirror       string
	Components   []string
	Modules      []string
}

// Base is "<environment>-<native arch>", the build environment's on-disk
// identity inside the image.
func (b *BuildEnv) Base() (string, error) {
	native, err := registry.NewArchMap(b.Image.format).Native(b.Architecture)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", b.Environment, native), nil
}

// Name is the build environment's fatbuildr-prefixed name, used as the
// identifier package managers like mock/pbuilder key their caches on.
func (b *BuildEnv) Name() (string, error) {
	base, err := b.Base()
	if err != nil {
		return "", err
	}
	return "fatbuildr-" + base, nil
}

func (b *BuildEnv) templateData() (map[string]any, error) {
	name, err := b.Name()
	if err != nil {
		return nil, err
	}
	base, err := b.Base()
	if err != nil {
		return nil, err
	}
	native, err := registry.NewArchMap(b.Image.format).Native(b.Architecture)
	if err != nil {
		return nil, err
	}
	var path string
	if b.Image.formatConf().EnvPath != "" {
		path, err = templating.SRender(b.Image.formatConf().EnvPath, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"name":         name,
		"base":         base,
		"environment":  b.Environment,
		"architecture": native,
		"path":         path,
		"mirror":       b.Mirror,
		"components":   b.Components,
		"modules":      b.Modules,
	}, nil
}

// Create builds the build environment inside its image, grounded on
// images.py's BuildEnv.create.
func (b *BuildEnv) Create(runner Runner, initOpts []string) error {
	fc := b.Image.formatConf()
	if fc.InitCmds == "" {
		return &ferrors.PipelineError{Msg: fmt.Sprintf("unable to create build environment for architecture %s in %s image: init_cmds is not defined for this format", b.Architecture, b.Image.format)}
	}
	data, err := b.templateData()
	if err != nil {
		return err
	}
	logger.Infof("creating build environment %s for architecture %s in %s image", b.Environment, b.Architecture, b.Image.format)
	for _, cmd := range splitAnd(fc.InitCmds) {
		rendered, err := templating.SRender(cmd, data)
		if err != nil {
			return err
		}
		if err := RunContainer(runner, b.Image, splitShell(rendered), ContainerOpts{Init: true, AsRoot: fc.EnvAsRoot}, initOpts); err != nil {
			return err
		}
	}
	return nil
}

// Update refreshes an existing build environment.
func (b *BuildEnv) Update(runner Runner, initOpts []string) error {
	fc := b.Image.formatConf()
	data, err := b.templateData()
	if err != nil {
		return err
	}
	for _, cmd := range splitAnd(fc.EnvUpdateCmds) {
		rendered, err := templating.SRender(cmd, data)
		if err != nil {
			return err
		}
		if err := RunContainer(runner, b.Image, splitShell(rendered), ContainerOpts{Init: true, AsRoot: fc.EnvAsRoot}, initOpts); err != nil {
			return err
		}
	}
	return nil
}

// Shell launches an interactive shell in the build environment.
func (b *BuildEnv) Shell(runner Runner, term string, initOpts []string) error {
	fc := b.Image.formatConf()
	data, err := b.templateData()
	if err != nil {
		return err
	}
	rendered, err := templating.SRender(fc.ShellCmd, data)
	if err != nil {
		return err
	}
	return RunContainer(runner, b.Image, splitShell(rendered), ContainerOpts{Init: true, AsRoot: true, Envs: []string{"TERM=" + term}}, initOpts)
}

// Execute runs command in the build environment.
func (b *BuildEnv) Execute(runner Runner, term string, command []string, initOpts []string) error {
	fc := b.Image.formatConf()
	data, err := b.templateData()
	if err != nil {
		return err
	}
	base, err := templating.SRender(fc.ExecCmd, data)
	if err != nil {
		return err
	}
	full := base + " " + strings.Join(command, " ")
	return RunContainer(runner, b.Image, splitShell(full), ContainerOpts{Init: true, AsRoot: true, Envs: []string{"TERM=" + term}}, initOpts)
}

// Manager is the per-instance image and build-environment factory,
// grounded on images.py's ImagesManager.
type Manager struct {
	conf       ManagerConfig
	InstanceID string
}

// NewManager returns an images Manager for one instance.
func NewManager(conf ManagerConfig, instanceID string) *Manager {
	return &Manager{conf: conf, InstanceID: instanceID}
}

// Image returns the Image for a format.
func (m *Manager) Image(format registry.Format) *Image {
	return &Image{conf: m.conf, format: format, instance: m.InstanceID}
}

// BuildEnv returns a BuildEnv for a format/environment/architecture
// triple, folding in pipeline-defined mirror/components/modules with
// format-level defaults as fallback.
func (m *Manager) BuildEnv(format registry.Format, environment, architecture string, mirror string, components, modules []string) *BuildEnv {
	fc := m.conf.Formats[format]
	if mirror == "" {
		mirror = fc.EnvDefaultMirror
	}
	if len(components) == 0 {
		components = fc.EnvDefaultComponents
	}
	if len(modules) == 0 {
		modules = fc.EnvDefaultModules
	}
	return &BuildEnv{
		Image:        m.Image(format),
		Environment:  environment,
		Architecture: architecture,
		Mirror:       mirror,
		Components:   components,
		Modules:      modules,
	}
}

// Prepare creates the instance's image storage directory if missing.
func (m *Manager) Prepare() error {
	path := filepath.Join(m.conf.Storage, m.InstanceID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Infof("creating instance image directory %s", path)
		if err := os.Mkdir(path, 0o755); err != nil {
			return &ferrors.RuntimeError{Op: "create instance image directory", Err: err}
		}
	}
	return nil
}
