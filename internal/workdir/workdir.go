// Package workdir provisions the per-workflow working directory AgentRunner
// clones once per leaf workflow and reads commits from for checkpoint
// candidates. Git itself is an explicit boundary dependency — every
// operation here shells out to the git binary rather than reimplementing it.
package workdir

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// DockerConfig controls the optional container-backed working directory.
type DockerConfig struct {
	Enabled bool
	Image   string
}

// Config holds workdir provisioning parameters.
type Config struct {
	// BaseDir is the parent directory under which each workflow gets its own
	// clone, named by workflow id.
	BaseDir string
	// RepositoryPath is the source repository cloned for every workflow.
	RepositoryPath string
	// BaseBranch is checked out after cloning.
	BaseBranch string
	Docker     DockerConfig
}

// Workdir is a provisioned clone, optionally backed by a running container.
type Workdir struct {
	WorkflowID  int64
	Path        string
	ContainerID string // empty unless Docker is enabled
}

// Manager provisions and tears down Workdirs.
type Manager struct {
	cfg    Config
	docker *dockerclient.Client
	log    *logger.Logger
}

// New builds a Manager. When cfg.Docker.Enabled, it also dials the local
// Docker daemon; failure to dial is returned rather than silently falling
// back, since the caller explicitly asked for container isolation.
func New(cfg Config, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{cfg: cfg, log: log.WithFields(zap.String("component", "workdir"))}
	if cfg.Docker.Enabled {
		cli, err := dockerclient.NewClientWithOpts(dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("workdir: docker client: %w", err)
		}
		m.docker = cli
	}
	return m, nil
}

// Close releases the Docker client, if one was created.
func (m *Manager) Close() error {
	if m.docker == nil {
		return nil
	}
	return m.docker.Close()
}

// Provision clones RepositoryPath into a fresh directory for workflowID and,
// when Docker is enabled, starts a container bind-mounting it.
func (m *Manager) Provision(ctx context.Context, workflowID int64) (*Workdir, error) {
	path := filepath.Join(m.cfg.BaseDir, strconv.FormatInt(workflowID, 10))
	if err := os.MkdirAll(m.cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("workdir: mkdir base: %w", err)
	}

	cloneArgs := []string{"clone"}
	if m.cfg.BaseBranch != "" {
		cloneArgs = append(cloneArgs, "--branch", m.cfg.BaseBranch)
	}
	cloneArgs = append(cloneArgs, m.cfg.RepositoryPath, path)
	if out, err := runGit(ctx, "", cloneArgs...); err != nil {
		return nil, fmt.Errorf("workdir: clone: %w (%s)", err, out)
	}

	wd := &Workdir{WorkflowID: workflowID, Path: path}
	if m.docker != nil {
		id, err := m.startContainer(ctx, wd)
		if err != nil {
			return nil, err
		}
		wd.ContainerID = id
	}
	m.log.Info("provisioned working directory",
		zap.Int64("workflow_id", workflowID), zap.String("path", path), zap.Bool("containerized", m.docker != nil))
	return wd, nil
}

func (m *Manager) startContainer(ctx context.Context, wd *Workdir) (string, error) {
	name := fmt.Sprintf("orchestrator-wd-%d", wd.WorkflowID)
	resp, err := m.docker.ContainerCreate(ctx, &container.Config{
		Image:      m.cfg.Docker.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: wd.Path, Target: "/workspace"}},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("workdir: container create: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("workdir: container start: %w", err)
	}
	return resp.ID, nil
}

// LatestCommit returns the current HEAD commit of wd.
func (m *Manager) LatestCommit(ctx context.Context, wd *Workdir) (string, error) {
	out, err := runGit(ctx, wd.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("workdir: rev-parse HEAD: %w (%s)", err, out)
	}
	return strings.TrimSpace(out), nil
}

// Checkout resets wd to commit. Callers are responsible for the
// source-control reset to a target checkpoint commit; CheckpointRewind
// invokes this directly rather than touching git itself.
func (m *Manager) Checkout(ctx context.Context, wd *Workdir, commit string) error {
	if out, err := runGit(ctx, wd.Path, "checkout", commit); err != nil {
		return fmt.Errorf("workdir: checkout %s: %w (%s)", commit, err, out)
	}
	return nil
}

// Cleanup removes wd's container (if any) and its directory.
func (m *Manager) Cleanup(ctx context.Context, wd *Workdir) error {
	if wd.ContainerID != "" && m.docker != nil {
		if err := m.docker.ContainerRemove(ctx, wd.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			m.log.Warn("failed to remove container", zap.String("container_id", wd.ContainerID), zap.Error(err))
		}
	}
	return os.RemoveAll(wd.Path)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = 500 * time.Millisecond
	out, err := cmd.CombinedOutput()
	return string(out), err
}
