package terraform

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner executes terraform inside a container so the host needs no
// local binary. The working directory is bind mounted read-write because the
// engine writes its state there.
type DockerRunner struct {
	inner  *client.Client
	image  string
	logger *slog.Logger
}

// NewDockerRunner creates a runner bound to the given terraform image.
func NewDockerRunner(host, image string, logger *slog.Logger) (*DockerRunner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = "hashicorp/terraform:1.9"
	}
	return &DockerRunner{inner: inner, image: image, logger: logger.With("component", "terraform_docker")}, nil
}

// Plan runs init and plan in a throwaway container.
func (r *DockerRunner) Plan(ctx context.Context, dir string, env map[string]string) (PlanResult, error) {
	if output, err := r.runContainer(ctx, dir, env, []string{"init", "-input=false", "-no-color"}); err != nil {
		return PlanResult{Errors: engineErrors(output, err)}, nil
	}
	output, err := r.runContainer(ctx, dir, env, []string{"plan", "-input=false", "-no-color"})
	if err != nil {
		return PlanResult{Errors: engineErrors(output, err)}, nil
	}
	adds, changes, destroys, ok := parsePlanOutput(output)
	if !ok {
		return PlanResult{Errors: []string{"plan output missing change summary"}}, nil
	}
	return PlanResult{AddCount: adds, ChangeCount: changes, DestroyCount: destroys}, nil
}

// Apply runs apply in a throwaway container.
func (r *DockerRunner) Apply(ctx context.Context, dir string, env map[string]string) (ApplyResult, error) {
	output, err := r.runContainer(ctx, dir, env, []string{"apply", "-input=false", "-no-color", "-auto-approve"})
	if err != nil {
		return ApplyResult{Success: false, Errors: engineErrors(output, err)}, nil
	}
	return ApplyResult{Success: true}, nil
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	if r.inner == nil {
		return nil
	}
	return r.inner.Close()
}

func (r *DockerRunner) runContainer(ctx context.Context, dir string, env map[string]string, cmd []string) (string, error) {
	envList := []string{"TF_IN_AUTOMATION=1"}
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	cfg := &container.Config{
		Image:      r.image,
		Cmd:        cmd,
		Env:        envList,
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		Binds:      []string{dir + ":/workspace"},
		AutoRemove: false,
	}
	created, err := r.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	defer func() {
		removeCtx := context.WithoutCancel(ctx)
		if err := r.inner.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && !client.IsErrNotFound(err) {
			r.logger.Warn("container remove failed", "container_id", created.ID, "error", err)
		}
	}()

	if err := r.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := r.inner.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("container wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	output := r.containerOutput(ctx, created.ID)
	if exitCode != 0 {
		return output, fmt.Errorf("terraform %s exited with code %d", cmd[0], exitCode)
	}
	return output, nil
}

func (r *DockerRunner) containerOutput(ctx context.Context, containerID string) string {
	logs, err := r.inner.ContainerLogs(context.WithoutCancel(ctx), containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Warn("container logs unavailable", "container_id", containerID, "error", err)
		return ""
	}
	defer logs.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil && err != io.EOF {
		r.logger.Warn("container log copy failed", "container_id", containerID, "error", err)
	}
	return buf.String()
}

func engineErrors(output string, err error) []string {
	errs := collectErrorLines(output)
	if len(errs) == 0 && err != nil {
		errs = []string{err.Error()}
	}
	return errs
}
