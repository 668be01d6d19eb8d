package sandbox

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/retry"
)

// Docker runs worker containers against a Docker daemon. All daemon calls go
// through a circuit breaker so a sick daemon degrades spawning quickly
// instead of stalling every supervisor tick on timeouts.
type Docker struct {
	cli     *client.Client
	cfg     config.SandboxConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewDocker connects to the daemon from config, falling back to the
// environment (DOCKER_HOST et al.) when no host is set.
func NewDocker(cfg config.SandboxConfig, logger *zap.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}

	log := logger.Named("sandbox")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "docker",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Caller mistakes (bad image name, duplicate container) say nothing
		// about daemon health, so they never trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || retry.ClassifyDocker(err) == retry.Permanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("docker breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Docker{cli: cli, cfg: cfg, breaker: breaker, logger: log}, nil
}

// Create implements Runtime.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	image := spec.Image
	if image == "" {
		image = d.cfg.ExecutionImage
	}

	labels := map[string]string{LabelWorker: spec.WorkerID}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  image,
		Env:    spec.Env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{}
	if d.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	name := "factory-worker-" + spec.WorkerID

	res, err := d.breaker.Execute(func() (any, error) {
		created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
		if err != nil {
			return nil, err
		}
		if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
			// Created but never started: remove so the name is reusable.
			_ = d.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
			return nil, err
		}
		return created.ID, nil
	})
	if err != nil {
		return "", fmt.Errorf("create worker container: %w", err)
	}

	id := res.(string)
	d.logger.Info("worker container started",
		zap.String("workerId", spec.WorkerID),
		zap.String("containerId", shortID(id)),
		zap.String("image", image))
	return id, nil
}

// Stop implements Runtime. Containers that already vanished are fine; the
// goal is that nothing labelled with the worker ID keeps running.
func (d *Docker) Stop(ctx context.Context, containerID string) error {
	timeout := int(d.cfg.StopTimeout.Seconds())

	_, err := d.breaker.Execute(func() (any, error) {
		if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
			return nil, err
		}
		if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("stop worker container: %w", err)
	}

	d.logger.Info("worker container stopped", zap.String("containerId", shortID(containerID)))
	return nil
}

// Close releases the daemon connection.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
