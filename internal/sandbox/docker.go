package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/itstheanurag/runbox/internal/limits"
	"github.com/itstheanurag/runbox/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// WorkDir is where sources are uploaded and commands run. It is a tmpfs
	// sized like the scratch space, so submissions cannot fill the host disk.
	WorkDir = "/sandbox"

	// ContainerUser runs every process in the container.
	ContainerUser = "nobody"

	ManagedLabel = "runbox.managed"

	// MaxOutputBytes caps each captured stream; the rest is drained and dropped.
	MaxOutputBytes = 4 * 1024 * 1024

	exitPollInterval = 10 * time.Millisecond
	uploadTimeout    = 30 * time.Second
	removeTimeout    = 30 * time.Second
)

type DockerSandbox struct {
	cli    *client.Client
	logger *zerolog.Logger
	pulls  singleflight.Group
}

func NewDockerSandbox(logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newDockerSandbox(cli, logger), nil
}

func newDockerSandbox(cli *client.Client, logger *zerolog.Logger) *DockerSandbox {
	return &DockerSandbox{cli: cli, logger: logger}
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// EnsureImage pulls img unless it is already present. Concurrent callers
// asking for the same image share a single pull.
func (s *DockerSandbox) EnsureImage(ctx context.Context, img string) error {
	_, err, _ := s.pulls.Do(img, func() (any, error) {
		return nil, s.ensureImage(ctx, img)
	})
	return err
}

func (s *DockerSandbox) ensureImage(ctx context.Context, img string) error {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	s.logger.Info().Str("image", img).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImagePull, img, err)
	}
	defer reader.Close()

	// the pull only completes once the progress stream is drained; errors
	// are reported inside the stream rather than by ImagePull itself
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImagePull, img, err)
	}

	s.logger.Info().Str("image", img).Msg("successfully pulled docker image")
	return nil
}

// CreateContainer starts an idle container that stays up between executions.
func (s *DockerSandbox) CreateContainer(ctx context.Context, img string, profile limits.Profile) (string, error) {
	startTime := time.Now()
	cfg, hostCfg := containerConfigs(img, profile)

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.Destroy(ctx, resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	metrics.ContainerCreationTime.Observe(float64(time.Since(startTime).Milliseconds()))
	s.logger.Debug().Str("container", resp.ID).Str("image", img).Msg("container started")
	return resp.ID, nil
}

func containerConfigs(img string, p limits.Profile) (*container.Config, *container.HostConfig) {
	pidsLimit := p.PidsLimit

	cfg := &container.Config{
		Image:           img,
		Cmd:             []string{"sleep", "infinity"},
		Tty:             false,
		NetworkDisabled: true,
		WorkingDir:      WorkDir,
		User:            ContainerUser,
		Labels:          map[string]string{ManagedLabel: "true"},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:     p.MemoryBytes,
			MemorySwap: p.MemorySwapBytes,
			NanoCPUs:   p.NanoCPUs,
			PidsLimit:  &pidsLimit,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: p.NoFileLimit, Hard: p.NoFileLimit},
			},
		},
		NetworkMode: "none",
		SecurityOpt: append([]string(nil), p.SecurityOpt...),
		CapDrop:     append([]string(nil), p.CapDrop...),
		Tmpfs: map[string]string{
			WorkDir: fmt.Sprintf("rw,exec,nosuid,size=%d,mode=1777", p.ScratchBytes),
			"/tmp":  fmt.Sprintf("rw,noexec,nosuid,size=%d,mode=1777", p.ScratchBytes),
		},
	}
	return cfg, hostCfg
}

// UploadFile writes contents to WorkDir/name, replacing any previous file.
// CopyToContainer cannot write into tmpfs mounts, so the archive is unpacked
// by tar inside the container from the exec's stdin.
func (s *DockerSandbox) UploadFile(ctx context.Context, containerID, name string, contents []byte) error {
	archive, err := singleFileArchive(name, contents)
	if err != nil {
		return err
	}
	res, err := s.Exec(ctx, containerID, ExecRequest{
		Cmd:     []string{"tar", "-x", "-C", WorkDir},
		Stdin:   archive.String(),
		Timeout: uploadTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s into container: %w", name, err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("failed to copy %s into container: tar exited with %d: %s",
			name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

func singleFileArchive(name string, contents []byte) (*bytes.Buffer, error) {
	if err := validateFileName(name); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(contents)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}
	if _, err := tw.Write(contents); err != nil {
		return nil, fmt.Errorf("failed to write archive body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	return &buf, nil
}

// Exec runs req inside the container. When req.Timeout elapses first the
// attached stream is torn down and the result is marked TimedOut; the process
// itself may still be alive inside the container.
func (s *DockerSandbox) Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error) {
	execResp, err := s.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          req.Env,
		WorkingDir:   WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	startTime := time.Now()
	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	go func() {
		if req.Stdin != "" {
			_, _ = io.WriteString(attachResp.Conn, req.Stdin)
		}
		_ = attachResp.CloseWrite()
	}()

	stdout := newCappedBuffer(MaxOutputBytes)
	stderr := newCappedBuffer(MaxOutputBytes)
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		done <- err
	}()

	timedOut := func() *ExecResult {
		attachResp.Close()
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: TimeoutExitCode,
			TimedOut: true,
			Duration: time.Since(startTime),
		}
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-deadline:
		return timedOut(), nil
	case <-ctx.Done():
		attachResp.Close()
		return nil, ctx.Err()
	}

	// stdout and stderr can close well before the process exits
	for {
		inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return &ExecResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: inspect.ExitCode,
				Duration: time.Since(startTime),
			}, nil
		}
		select {
		case <-deadline:
			return timedOut(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(exitPollInterval):
		}
	}
}

// Destroy force-removes the container. Failures are logged, never returned.
func (s *DockerSandbox) Destroy(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		s.logger.Error().Err(err).Str("container", containerID).Msg("failed to remove container")
		return
	}
	s.logger.Debug().Str("container", containerID).Msg("container removed")
}

// RemoveManaged removes every container carrying ManagedLabel, which after a
// crash are orphans no session points at any more.
func (s *DockerSandbox) RemoveManaged(ctx context.Context) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}
	for _, c := range list {
		s.Destroy(ctx, c.ID)
	}
	return len(list), nil
}

var _ Runtime = (*DockerSandbox)(nil)
