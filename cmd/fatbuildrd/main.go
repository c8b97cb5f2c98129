// Command fatbuildrd is the Fatbuildr build server: for every instance
// definition found under -instances, it prepares the instance's keyring,
// image storage and per-format registries, recovers any queue left over
// from a previous run, then drives that instance's task queue until
// interrupted. Mirrors fatbuildrd's own startup sequence
// (ServerInstance/ServerInstancesManager wiring) in __init__.py, with CLI
// front-end, HTTP/IPC transport and config-file format design left to an
// external collaborator per SPEC_FULL.md; only the on-disk instance
// definition documents this binary itself needs are parsed, with
// gopkg.in/yaml.v3.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/distr1/fatbuildr/internal/console"
	"github.com/distr1/fatbuildr/internal/image"
	"github.com/distr1/fatbuildr/internal/instance"
	"github.com/distr1/fatbuildr/internal/keyring"
	"github.com/distr1/fatbuildr/internal/logging"
	"github.com/distr1/fatbuildr/internal/registry"
	regdeb "github.com/distr1/fatbuildr/internal/registry/deb"
	regosi "github.com/distr1/fatbuildr/internal/registry/osi"
	regrpm "github.com/distr1/fatbuildr/internal/registry/rpm"
	"github.com/distr1/fatbuildr/internal/shutdown"
	"github.com/distr1/fatbuildr/internal/tasks"
)

var logger = logging.Logr("fatbuildrd")

var (
	instancesDir = flag.String("instances", "/etc/fatbuildr/instances.d",
		"directory of per-instance <id>.yml definitions")
	dataDir = flag.String("data", "/var/lib/fatbuildr",
		"root directory for per-instance workspaces, registries, cache, keyring and image storage")
	idleTimeout = flag.Duration("idle-timeout", 5*time.Second,
		"how often each instance's worker loop re-checks for shutdown while its queue is empty")
	tasksHook = flag.String("tasks-hook", "",
		"optional external program invoked at each task's start and end")
)

// instanceDoc is the on-disk YAML shape of one <id>.yml instance
// definition, mirroring the original's InstancesManager instance
// directory layout, condensed to one document per instance.
type instanceDoc struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	GPG  struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"gpg"`
	Pipelines struct {
		Architectures []string                           `yaml:"architectures"`
		Formats       map[string][]instance.Distribution `yaml:"formats"`
		Derivatives   map[string]instance.Derivative     `yaml:"derivatives"`
	} `yaml:"pipelines"`
}

func loadInstanceDocs(dir string) ([]instanceDoc, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading instances directory %s: %w", dir, err)
	}
	var docs []instanceDoc
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading instance definition %s: %w", path, err)
		}
		var doc instanceDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing instance definition %s: %w", path, err)
		}
		if doc.ID == "" {
			doc.ID = strings.TrimSuffix(e.Name(), ".yml")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (d instanceDoc) config(dataDir string) instance.Config {
	return instance.Config{
		ID:             d.ID,
		Name:           d.Name,
		GPG:            instance.GPGIdentity{Name: d.GPG.Name, Email: d.GPG.Email},
		WorkspacesRoot: filepath.Join(dataDir, "workspaces", d.ID),
		RegistryRoot:   filepath.Join(dataDir, "registry", d.ID),
		CacheRoot:      filepath.Join(dataDir, "cache", d.ID),
		KeyringRoot:    filepath.Join(dataDir, "keyring", d.ID),
		TokensRoot:     filepath.Join(dataDir, "tokens", d.ID),
		ImagesRoot:     filepath.Join(dataDir, "images", d.ID),
		Pipelines: instance.Pipelines{
			Architectures: d.Pipelines.Architectures,
			Formats:       d.Pipelines.Formats,
			Derivatives:   d.Pipelines.Derivatives,
		},
	}
}

// genericHistID computes a finished task's history dedup key from its
// recorded Extra fields, covering every task kind kinds.go and
// buildpipeline.BuildTask define, since ArchivedTask never has the
// concrete Go type back.
func genericHistID(name string, extra map[string]string) string {
	if format, ok := extra["format"]; ok {
		return fmt.Sprintf("%s:%s:%s", format, extra["distribution"], extra["artifact"])
	}
	if artifact, ok := extra["artifact"]; ok {
		return "artifact:" + artifact
	}
	switch name {
	case "keyring-create", "keyring-renew":
		return "keyring"
	case "image-create", "image-update":
		return "image"
	case "build-env-create", "build-env-update":
		return "build-env"
	case "image-shell", "build-env-shell":
		return "shell"
	case "history-purge":
		return "history-purge"
	}
	return name
}

// registries builds the three format backends for one instance, rooted
// under its registry directory, mirroring RegistryManager.factory.
func registries(cfg instance.Config) map[registry.Format]registry.Registry {
	archmap := map[registry.Format]registry.ArchMap{
		registry.Deb: registry.NewArchMap(registry.Deb),
		registry.RPM: registry.NewArchMap(registry.RPM),
		registry.OSI: registry.NewArchMap(registry.OSI),
	}
	return map[registry.Format]registry.Registry{
		registry.Deb: regdeb.New(
			filepath.Join(cfg.RegistryRoot, "deb"), "", cfg.Name,
			cfg.Pipelines.Architectures, archmap[registry.Deb]),
		registry.RPM: regrpm.New(
			filepath.Join(cfg.RegistryRoot, "rpm"),
			cfg.Pipelines.Architectures, archmap[registry.RPM]),
		registry.OSI: regosi.New(filepath.Join(cfg.RegistryRoot, "osi")),
	}
}

// runInstance prepares one instance's keyring, image storage and
// registries, recovers its queue, and drives its worker loop until ctx
// is cancelled. Mirrors the per-instance half of fatbuildrd's main loop.
func runInstance(ctx context.Context, cfg instance.Config, hook *tasks.HookConfig) error {
	kr := keyring.New(cfg.KeyringRoot, "rsa4096", true, 0)
	if err := kr.Load(); err != nil {
		logger.Infof("instance %s has no keyring yet, creating one", cfg.ID)
		if err := kr.Create(cfg.GPG.UID()); err != nil {
			return fmt.Errorf("creating keyring for instance %s: %w", cfg.ID, err)
		}
	}

	images := image.NewManager(image.ManagerConfig{Storage: cfg.ImagesRoot}, cfg.ID)
	if err := images.Prepare(); err != nil {
		return fmt.Errorf("preparing image storage for instance %s: %w", cfg.ID, err)
	}

	manager, err := tasks.NewManager(cfg.ID, cfg.Name, cfg.WorkspacesRoot, hook)
	if err != nil {
		return fmt.Errorf("starting task manager for instance %s: %w", cfg.ID, err)
	}
	if err := manager.Clear(); err != nil {
		return fmt.Errorf("clearing orphaned tasks for instance %s: %w", cfg.ID, err)
	}

	history := tasks.NewHistoryManager(cfg.WorkspacesRoot, manager, genericHistID)

	for format, reg := range registries(cfg) {
		logger.Debugf("instance %s %s registry at %s (exists=%v)", cfg.ID, format, cfg.RegistryRoot, reg.Exists())
	}

	logger.Infof("instance %s ready, draining task queue", cfg.ID)

	newTaskIO := func(t tasks.Task) (*console.TaskIO, error) {
		place := t.Place()
		if err := os.MkdirAll(place, 0o755); err != nil {
			return nil, err
		}
		return console.Open(
			filepath.Join(place, "journal.bin"),
			filepath.Join(place, "console.sock"),
			false,
		)
	}

	return manager.Run(ctx, *idleTimeout, history, newTaskIO)
}

func main() {
	flag.Parse()

	docs, err := loadInstanceDocs(*instancesDir)
	if err != nil {
		logger.Fatal(err)
	}
	if len(docs) == 0 {
		logger.Fatalf("no instance definitions found under %s", *instancesDir)
	}

	var hook *tasks.HookConfig
	if *tasksHook != "" {
		hook = &tasks.HookConfig{Path: *tasksHook}
	}

	ctx, stop := shutdown.InterruptibleContext()
	defer stop()

	var g errgroup.Group
	for _, doc := range docs {
		cfg := doc.config(*dataDir)
		if err := cfg.Pipelines.Validate(); err != nil {
			logger.Fatalf("invalid pipelines for instance %s: %v", cfg.ID, err)
		}
		g.Go(func() error { return runInstance(ctx, cfg, hook) })
	}

	if err := g.Wait(); err != nil {
		logger.Fatal(err)
	}
}
