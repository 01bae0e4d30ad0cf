package dockerfacts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// APILister lists containers through the Docker Engine API.
type APILister struct {
	inner *client.Client
}

// NewAPILister connects using the environment defaults, host overrides
// DOCKER_HOST when set.
func NewAPILister(host string) (*APILister, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &APILister{inner: inner}, nil
}

func (l *APILister) List(ctx context.Context) ([]Container, error) {
	list, err := l.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelApp)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker container list: %w", err)
	}
	ret := make([]Container, 0, len(list))
	for _, item := range list {
		c, ok := fromLabels(item.Labels)
		if !ok {
			continue
		}
		c.ID = item.ID
		if len(item.Names) > 0 {
			c.Name = strings.TrimPrefix(item.Names[0], "/")
		}
		c.RawStatus = item.Status
		c.State = item.State
		c.Status = NormalizeStatus(item.Status)
		if c.Status == StatusUnknown {
			c.Status = NormalizeStatus(item.State)
		}
		c.CreatedAt = time.Unix(item.Created, 0).UTC()
		if c.Port == 0 {
			for _, p := range item.Ports {
				if p.PublicPort != 0 {
					c.Port = int(p.PublicPort)
					break
				}
			}
		}
		ret = append(ret, c)
	}
	return ret, nil
}

func (l *APILister) Close() error {
	if l == nil || l.inner == nil {
		return nil
	}
	return l.inner.Close()
}
