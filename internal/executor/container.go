package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/workflow/model"
)

// Bind directories created under the task working directory and their fixed
// mount points inside the container.
var containerMounts = []struct {
	host      string
	container string
}{
	{"mnt/inputs", "/mnt/inputs/"},
	{"mnt/outputs", "/mnt/outputs/"},
	{"mnt/shared", "/mnt/shared/"},
}

const imagePullAttempts = 3

// ContainerRunner executes tasks as detached containers through the Docker
// daemon, with the task working directory bind-mounted under /mnt.
type ContainerRunner struct {
	docker   client.APIClient
	registry config.RegistryConfig
}

// NewContainerRunner connects to the Docker daemon using the environment
// configuration.
func NewContainerRunner(registryCfg config.RegistryConfig) (*ContainerRunner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return &ContainerRunner{docker: docker, registry: registryCfg}, nil
}

// NewContainerRunnerWithClient is used by tests to inject a fake client.
func NewContainerRunnerWithClient(docker client.APIClient, registryCfg config.RegistryConfig) *ContainerRunner {
	return &ContainerRunner{docker: docker, registry: registryCfg}
}

// Execute pulls the image, runs the container to completion and returns its
// combined output with the assembled command line prepended. The container is
// always stopped and removed, volumes included.
func (r *ContainerRunner) Execute(ctx context.Context, spec *model.ContainerExecutor, workdir string) (string, error) {
	ref := spec.Reference()

	if err := r.pullImage(ctx, ref); err != nil {
		return "", err
	}

	binds, err := r.createBinds(workdir)
	if err != nil {
		return "", err
	}

	cmdString := spec.CommandLine()
	var cmd []string
	if cmdString != "" {
		cmd = strings.Fields(cmdString)
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, k+"="+v)
	}

	created, err := r.docker.ContainerCreate(ctx,
		&container.Config{
			Image: ref,
			Cmd:   cmd,
			Env:   env,
			Tty:   true,
		},
		&container.HostConfig{Binds: binds},
		nil, nil, "",
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container for image %s: %w", ref, err)
	}

	slog.Debug("running container", "image", ref, "container_id", created.ID, "cmd", cmdString)

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.remove(ctx, created.ID)
		return "", fmt.Errorf("failed to start container %s: %w", created.ID, err)
	}

	statusCh, errCh := r.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var statusCode int64
	select {
	case err := <-errCh:
		r.remove(ctx, created.ID)
		return "", fmt.Errorf("failed to wait for container %s: %w", created.ID, err)
	case status := <-statusCh:
		statusCode = status.StatusCode
	}

	logs := r.collectLogs(ctx, created.ID)
	logs = cmdString + "\n" + logs

	r.remove(ctx, created.ID)

	if statusCode != 0 {
		return "", &ContainerExecutionError{StatusCode: statusCode, Logs: logs}
	}
	return logs, nil
}

func (r *ContainerRunner) pullImage(ctx context.Context, ref string) error {
	opts := image.PullOptions{}
	if r.registry.Username != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      r.registry.Username,
			Password:      r.registry.Password,
			ServerAddress: r.registry.Server,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registry credentials: %w", err)
		}
		opts.RegistryAuth = auth
	}

	// Registry pulls flake; retry a few times before giving up.
	err := retry.Do(
		func() error {
			reader, err := r.docker.ImagePull(ctx, ref, opts)
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(io.Discard, reader)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(imagePullAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (r *ContainerRunner) createBinds(workdir string) ([]string, error) {
	binds := make([]string, 0, len(containerMounts))
	for _, m := range containerMounts {
		hostDir := filepath.Join(workdir, m.host)
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bind directory %s: %w", hostDir, err)
		}
		binds = append(binds, hostDir+":"+m.container+":rw")
	}
	return binds, nil
}

func (r *ContainerRunner) collectLogs(ctx context.Context, containerID string) string {
	reader, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		slog.Warn("failed to read container logs", "container_id", containerID, "error", err)
		return ""
	}
	defer reader.Close()

	// The container runs with a TTY, so stdout and stderr arrive as one stream.
	logs, err := io.ReadAll(reader)
	if err != nil {
		slog.Warn("failed to read container logs", "container_id", containerID, "error", err)
		return ""
	}
	return string(logs)
}

func (r *ContainerRunner) remove(ctx context.Context, containerID string) {
	timeout := 10
	if err := r.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container", "container_id", containerID, "error", err)
	}
	if err := r.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true}); err != nil {
		slog.Warn("failed to remove container", "container_id", containerID, "error", err)
	}
}
