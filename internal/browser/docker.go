package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserhub/pkg/models"
)

const (
	DefaultImage = "browserless/chrome:latest"

	containerPort    = nat.Port("3000/tcp")
	containerDataDir = "/data"
	cleanupTimeout   = 30 * time.Second
	stopGraceSeconds = 10
	readyPollEvery   = 500 * time.Millisecond
)

// DockerOptions configures a DockerDriver.
type DockerOptions struct {
	Image   string
	Host    string // host name clients use to reach published ports
	DataDir string
	Logger  *zap.Logger
}

// DockerDriver runs one browserless/chrome container per session.
type DockerDriver struct {
	client  *client.Client
	http    *http.Client
	image   string
	host    string
	dataDir string
	log     *zap.Logger
}

// NewDockerDriver connects to the Docker daemon configured in the environment.
func NewDockerDriver(opts DockerOptions) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerDriver(cli, opts), nil
}

func newDockerDriver(cli *client.Client, opts DockerOptions) *DockerDriver {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.DataDir == "" {
		opts.DataDir = filepath.Join(os.TempDir(), "browserhub")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &DockerDriver{
		client:  cli,
		http:    &http.Client{Timeout: 2 * time.Second},
		image:   opts.Image,
		host:    opts.Host,
		dataDir: opts.DataDir,
		log:     opts.Logger.Named("docker"),
	}
}

// Launch creates and starts a container and waits until Chrome answers.
// Any container created before a failure is removed again.
func (d *DockerDriver) Launch(ctx context.Context, sessionID string, opts models.LaunchOptions) (*Instance, error) {
	userDataDir := filepath.Join(d.dataDir, sessionID)
	if err := os.MkdirAll(userDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create user data directory: %w", err)
	}

	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "browserhub",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: userDataDir,
				Target: containerDataDir,
			},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(sessionID))
	if err != nil {
		_ = os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	inst := &Instance{
		ID:          resp.ID,
		SessionID:   sessionID,
		UserDataDir: userDataDir,
	}

	fail := func(err error) (*Instance, error) {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if rmErr := d.remove(cleanupCtx, inst); rmErr != nil {
			d.log.Warn("failed to clean up container after launch error",
				zap.String("container", shortID(inst.ID)), zap.Error(rmErr))
		}
		return nil, err
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("failed to start container: %w", err))
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return fail(fmt.Errorf("failed to inspect container: %w", err))
	}
	if inspect.NetworkSettings == nil || len(inspect.NetworkSettings.Ports[containerPort]) == 0 {
		return fail(errors.New("container has no published devtools port"))
	}
	port := inspect.NetworkSettings.Ports[containerPort][0].HostPort

	if err := d.waitForBrowserReady(ctx, port); err != nil {
		return fail(fmt.Errorf("browser failed to become ready: %w", err))
	}

	inst.ConnectURL = browserlessURL(d.host, port, opts)
	d.log.Debug("container ready",
		zap.String("session", sessionID), zap.String("container", shortID(inst.ID)), zap.String("port", port))
	return inst, nil
}

// Terminate stops and removes the container backing inst.
func (d *DockerDriver) Terminate(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("no container to terminate")
	}

	timeout := stopGraceSeconds
	if err := d.client.ContainerStop(ctx, inst.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		// still try to remove it below
		d.log.Warn("failed to stop container", zap.String("container", shortID(inst.ID)), zap.Error(err))
	}
	return d.remove(ctx, inst)
}

func (d *DockerDriver) remove(ctx context.Context, inst *Instance) error {
	err := d.client.ContainerRemove(ctx, inst.ID, container.RemoveOptions{Force: true})
	if inst.UserDataDir != "" {
		_ = os.RemoveAll(inst.UserDataDir)
	}
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the browser image unless it is already present.
func (d *DockerDriver) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	d.log.Info("pulling browser image", zap.String("image", d.image))
	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls /json/version until Chrome responds or ctx ends.
func (d *DockerDriver) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(d.host, port))
	ticker := time.NewTicker(readyPollEvery)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func containerName(sessionID string) string {
	return "browserhub-" + sessionID
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
