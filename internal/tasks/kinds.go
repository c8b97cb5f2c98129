package tasks

import (
	"github.com/distr1/fatbuildr/internal/artifact"
	"github.com/distr1/fatbuildr/internal/console"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/registry"
)

// withExtra layers Extra fields onto a BaseTask's archived Fields,
// shared by every concrete kind below that needs its own history dedup
// parameters recorded alongside BASEFIELDS.
func withExtra(f Fields, extra map[string]string) Fields {
	f.Extra = extra
	return f
}

// KeyringCreateTask (re)generates an instance's signing keyring,
// mirroring the "keyring" task submitted by `fatbuildrctl keyring
// --create`.
type KeyringCreateTask struct {
	BaseTask
	Keyring *keyring.Keyring
	UserID  string
}

func NewKeyringCreateTask(id, name, user, place string, kr *keyring.Keyring, userid string) *KeyringCreateTask {
	return &KeyringCreateTask{BaseTask: NewBaseTask(id, name, user, place), Keyring: kr, UserID: userid}
}

func (t *KeyringCreateTask) Run() error  { return t.Keyring.Create(t.UserID) }
func (t *KeyringCreateTask) HistID() string { return "keyring" }

// KeyringRenewTask extends the validity of an instance's signing
// keyring, mirroring `fatbuildrctl keyring --renew`.
type KeyringRenewTask struct {
	BaseTask
	Keyring  *keyring.Keyring
	Duration string
}

func NewKeyringRenewTask(id, name, user, place string, kr *keyring.Keyring, duration string) *KeyringRenewTask {
	return &KeyringRenewTask{BaseTask: NewBaseTask(id, name, user, place), Keyring: kr, Duration: duration}
}

func (t *KeyringRenewTask) Run() error     { return t.Keyring.Renew(t.Duration) }
func (t *KeyringRenewTask) HistID() string { return "keyring" }

// imageRunner adapts BaseTask.RunCmd to image.Runner; declared here
// rather than relying on implicit satisfaction so the image-task kinds
// below read as deliberately wired rather than accidentally compatible.
type imageRunner struct{ *BaseTask }

func (r imageRunner) RunCmd(name string, args []string, env map[string]string) error {
	return r.BaseTask.RunCmd(name, args, env)
}

// ImageCreateTask builds a format's container image from scratch,
// mirroring the "image" task submitted by `fatbuildrctl image
// --create`.
type ImageCreateTask struct {
	BaseTask
	Img   *image.Image
	Force bool
}

func NewImageCreateTask(id, name, user, place string, img *image.Image, force bool) *ImageCreateTask {
	return &ImageCreateTask{BaseTask: NewBaseTask(id, name, user, place), Img: img, Force: force}
}

func (t *ImageCreateTask) Run() error {
	return t.Img.Create(imageRunner{&t.BaseTask}, t.Force)
}
func (t *ImageCreateTask) HistID() string { return "image" }

// ImageUpdateTask refreshes an already-created container image,
// mirroring `fatbuildrctl image --update`.
type ImageUpdateTask struct {
	BaseTask
	Img      *image.Image
	InitOpts []string
}

func NewImageUpdateTask(id, name, user, place string, img *image.Image, initOpts []string) *ImageUpdateTask {
	return &ImageUpdateTask{BaseTask: NewBaseTask(id, name, user, place), Img: img, InitOpts: initOpts}
}

func (t *ImageUpdateTask) Run() error {
	return t.Img.Update(imageRunner{&t.BaseTask}, t.InitOpts)
}
func (t *ImageUpdateTask) HistID() string { return "image" }

// BuildEnvCreateTask creates a per-(distribution,architecture) build
// environment inside a format's image, mirroring the "build-env" task
// submitted by `fatbuildrctl build-env --create`.
type BuildEnvCreateTask struct {
	BaseTask
	Env      *image.BuildEnv
	InitOpts []string
}

func NewBuildEnvCreateTask(id, name, user, place string, env *image.BuildEnv, initOpts []string) *BuildEnvCreateTask {
	return &BuildEnvCreateTask{BaseTask: NewBaseTask(id, name, user, place), Env: env, InitOpts: initOpts}
}

func (t *BuildEnvCreateTask) Run() error {
	return t.Env.Create(imageRunner{&t.BaseTask}, t.InitOpts)
}
func (t *BuildEnvCreateTask) HistID() string { return "build-env" }

// BuildEnvUpdateTask refreshes an existing build environment, mirroring
// `fatbuildrctl build-env --update`.
type BuildEnvUpdateTask struct {
	BaseTask
	Env      *image.BuildEnv
	InitOpts []string
}

func NewBuildEnvUpdateTask(id, name, user, place string, env *image.BuildEnv, initOpts []string) *BuildEnvUpdateTask {
	return &BuildEnvUpdateTask{BaseTask: NewBaseTask(id, name, user, place), Env: env, InitOpts: initOpts}
}

func (t *BuildEnvUpdateTask) Run() error {
	return t.Env.Update(imageRunner{&t.BaseTask}, t.InitOpts)
}
func (t *BuildEnvUpdateTask) HistID() string { return "build-env" }

// interactiveRunner adapts a task's TaskIO to image.Runner for a shell
// task, running the shell interactively through console.RunInteractive
// (a pty) instead of BaseTask.RunCmd's buffered console.RunCommand.
type interactiveRunner struct{ *BaseTask }

func (r interactiveRunner) RunCmd(name string, args []string, env map[string]string) error {
	_, err := console.RunInteractive(name, args, env, r.io)
	return err
}

// ImageShellTask opens an interactive shell inside a format's image,
// mirroring `fatbuildrctl image --shell`.
type ImageShellTask struct {
	BaseTask
	Img      *image.Image
	Term     string
	InitOpts []string
}

func NewImageShellTask(id, name, user, place string, img *image.Image, term string, initOpts []string) *ImageShellTask {
	return &ImageShellTask{BaseTask: NewBaseTask(id, name, user, place), Img: img, Term: term, InitOpts: initOpts}
}

func (t *ImageShellTask) Run() error {
	return image.RunContainer(interactiveRunner{&t.BaseTask}, t.Img, []string{"/bin/bash"}, image.ContainerOpts{
		Init: true, Envs: []string{"TERM=" + t.Term},
	}, t.InitOpts)
}
func (t *ImageShellTask) HistID() string { return "shell" }

// BuildEnvShellTask opens an interactive shell inside a build
// environment, mirroring `fatbuildrctl build-env --shell`.
type BuildEnvShellTask struct {
	BaseTask
	Env      *image.BuildEnv
	Term     string
	InitOpts []string
}

func NewBuildEnvShellTask(id, name, user, place string, env *image.BuildEnv, term string, initOpts []string) *BuildEnvShellTask {
	return &BuildEnvShellTask{BaseTask: NewBaseTask(id, name, user, place), Env: env, Term: term, InitOpts: initOpts}
}

func (t *BuildEnvShellTask) Run() error {
	return t.Env.Shell(interactiveRunner{&t.BaseTask}, t.Term, t.InitOpts)
}
func (t *BuildEnvShellTask) HistID() string { return "shell" }

// ArtifactDeleteTask removes one published artifact from a registry,
// mirroring the "artifact deletion" task submitted by `fatbuildrctl
// artifact --delete`.
type ArtifactDeleteTask struct {
	BaseTask
	Reg          registry.Registry
	Signer       registry.Signer
	Distribution string
	Derivative   string
	Artifact     artifact.Artifact
}

func NewArtifactDeleteTask(id, name, user, place string, reg registry.Registry, signer registry.Signer, distribution, derivative string, art artifact.Artifact) *ArtifactDeleteTask {
	return &ArtifactDeleteTask{
		BaseTask: NewBaseTask(id, name, user, place), Reg: reg, Signer: signer,
		Distribution: distribution, Derivative: derivative, Artifact: art,
	}
}

func (t *ArtifactDeleteTask) Run() error {
	return t.Reg.DeleteArtifact(t.Distribution, t.Derivative, t.Artifact, t.Signer)
}

func (t *ArtifactDeleteTask) Fields() Fields {
	return withExtra(t.BaseTask.Fields(), map[string]string{
		"distribution": t.Distribution,
		"derivative":   t.Derivative,
		"artifact":     t.Artifact.Name,
	})
}
func (t *ArtifactDeleteTask) HistID() string { return "artifact:" + t.Artifact.Name }

// HistoryPurgeTask prunes an instance's own finished task workspaces,
// mirroring the "history purge" task submitted by `fatbuildrctl history
// --purge`.
type HistoryPurgeTask struct {
	BaseTask
	Manager *HistoryManager
	Policy  string
	Value   string

	removed   int
	retrieved int64
}

func NewHistoryPurgeTask(id, name, user, place string, manager *HistoryManager, policy, value string) *HistoryPurgeTask {
	return &HistoryPurgeTask{BaseTask: NewBaseTask(id, name, user, place), Manager: manager, Policy: policy, Value: value}
}

func (t *HistoryPurgeTask) Run() error {
	removed, retrieved, err := t.Manager.Purge(t.Policy, t.Value)
	t.removed, t.retrieved = removed, retrieved
	return err
}
func (t *HistoryPurgeTask) HistID() string { return "history-purge" }

// RemovedTasks and RetrievedSize report the outcome of a completed
// purge, populated once Run has returned.
func (t *HistoryPurgeTask) RemovedTasks() int     { return t.removed }
func (t *HistoryPurgeTask) RetrievedSize() int64  { return t.retrieved }
