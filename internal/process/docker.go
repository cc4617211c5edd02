package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrImageUnavailableOffline is returned when an engine image is not
// present locally and the configured offline policy forbids pulling it.
type ErrImageUnavailableOffline struct {
	Image string
}

func (e *ErrImageUnavailableOffline) Error() string {
	return fmt.Sprintf("image %q is not present locally and offline policy forbids pulling it", e.Image)
}

// dockerContainer tracks a running engine container.
type dockerContainer struct {
	containerID string
	name        string
}

// ContainerSpec describes everything needed to launch one engine
// container. Built by Manager from a Model record and EngineConfig.
type ContainerSpec struct {
	Name          string
	Image         string
	Args          []string // CLI args synthesized by SynthesizeArgs
	Env           map[string]string
	Port          int // host port, mapped to the engine's fixed in-container port
	GPUDevices    []string
	ModelsDir     string
	HFCacheDir    string
	HealthPath    string
	OfflinePolicy string // "online", "auto", "strict"
	RegistryProbe string
	StartupWait   time.Duration
}

// containerInternalPort is the fixed in-container port every engine image
// in this gateway listens on; only the host-side mapping varies per model.
const containerInternalPort = 8000

// DockerExecutor manages inference engine containers. Adapted from the
// teacher's DockerExecutor (internal/process/docker.go) — same
// docker-run/docker-stop/health-poll shape, retargeted from agent-runner
// images to engine images: GPU device passthrough, models-dir/HF-cache
// volume mounts, shared network join, and an offline image-pull policy.
type DockerExecutor struct {
	mu         sync.Mutex
	containers map[string]*dockerContainer
	network    string
}

// NewDockerExecutor creates a Docker executor joined to the given
// Docker network (empty string uses the default bridge network).
func NewDockerExecutor(network string) *DockerExecutor {
	return &DockerExecutor{
		containers: make(map[string]*dockerContainer),
		network:    network,
	}
}

// Start launches an engine container per spec, returning its container ID.
func (de *DockerExecutor) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker not found in PATH — install Docker to run inference engines")
	}

	if err := de.ensureImage(ctx, spec); err != nil {
		return "", err
	}

	_ = de.removeStale(spec.Name)

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"-p", fmt.Sprintf("%d:%d", spec.Port, containerInternalPort),
	}

	if de.network != "" {
		args = append(args, "--network", de.network)
	}

	for _, device := range spec.GPUDevices {
		args = append(args, "--gpus", fmt.Sprintf(`"device=%s"`, device))
	}

	if spec.ModelsDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/models:ro", spec.ModelsDir))
	}
	if spec.HFCacheDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:/root/.cache/huggingface", spec.HFCacheDir))
	}

	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, spec.Image)
	args = append(args, spec.Args...)

	log.Info().
		Str("container", spec.Name).
		Str("image", spec.Image).
		Int("port", spec.Port).
		Msg("starting inference engine container")

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker run failed: %s: %w", stderr.String(), err)
	}

	containerID := strings.TrimSpace(stdout.String())
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}

	de.mu.Lock()
	de.containers[spec.Name] = &dockerContainer{containerID: containerID, name: spec.Name}
	de.mu.Unlock()

	wait := spec.StartupWait
	if wait <= 0 {
		wait = 60 * time.Second
	}
	healthURL := fmt.Sprintf("http://localhost:%d%s", spec.Port, orDefault(spec.HealthPath, "/health"))
	if err := waitForHealth(healthURL, wait); err != nil {
		log.Warn().Err(err).Str("container", spec.Name).Msg("engine container health check did not pass before startup timeout")
	}

	return containerID, nil
}

// ensureImage pulls the image if it is missing locally, honoring the
// offline policy: "strict" never pulls; "auto" first dials RegistryProbe
// over TCP and behaves like "strict" if that fails; "online" pulls on miss.
// A pull whose error output mentions a connection, network or timeout
// problem is reported as ErrImageUnavailableOffline.
func (de *DockerExecutor) ensureImage(ctx context.Context, spec ContainerSpec) error {
	present, err := de.imagePresent(ctx, spec.Image)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if spec.OfflinePolicy == "strict" {
		return &ErrImageUnavailableOffline{Image: spec.Image}
	}
	if spec.OfflinePolicy == "auto" && spec.RegistryProbe != "" {
		conn, err := net.DialTimeout("tcp", spec.RegistryProbe, 3*time.Second)
		if err != nil {
			return &ErrImageUnavailableOffline{Image: spec.Image}
		}
		conn.Close()
	}

	log.Info().Str("image", spec.Image).Msg("pulling engine image")
	cmd := exec.CommandContext(ctx, "docker", "pull", spec.Image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "timeout") {
			return &ErrImageUnavailableOffline{Image: spec.Image}
		}
		return fmt.Errorf("docker pull %s failed: %s: %w", spec.Image, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (de *DockerExecutor) imagePresent(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "image", "inspect", image)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// removeStale force-removes any leftover container with this name, so
// restarting a model after a crash doesn't collide with "name in use".
func (de *DockerExecutor) removeStale(name string) error {
	return exec.Command("docker", "rm", "-f", name).Run()
}

// Stop stops and removes an engine container, by ID when known or by
// name as a fallback (e.g. after a gateway restart lost in-memory state).
func (de *DockerExecutor) Stop(_ context.Context, name, containerID string) error {
	de.mu.Lock()
	delete(de.containers, name)
	de.mu.Unlock()

	target := containerID
	if target == "" {
		target = name
	}

	if err := exec.Command("docker", "stop", "-t", "5", target).Run(); err != nil {
		log.Warn().Err(err).Str("container", target).Msg("failed to stop container gracefully, forcing removal")
	}
	return exec.Command("docker", "rm", "-f", target).Run()
}

func waitForHealth(healthURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		resp, err := client.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("health check at %s timed out after %s", healthURL, timeout)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
