// Package discovery finds the application containers that write to the data
// directory.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	apptypes "github.com/andres-nav/actual-budget-agent/pkg/types"
)

// ProjectLabel is set by docker-compose on every container it creates.
const ProjectLabel = "com.docker.compose.project"

// Lister lists containers. *client.Client satisfies it.
type Lister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// Discoverer finds containers of a compose project and the host paths they
// bind-mount.
type Discoverer struct {
	client Lister
	log    logrus.FieldLogger
}

func New(client Lister, log logrus.FieldLogger) *Discoverer {
	return &Discoverer{client: client, log: log}
}

// Discover returns the running containers of project that mount dataDir, or
// a directory inside or above it.
func (d *Discoverer) Discover(ctx context.Context, project, dataDir string) ([]apptypes.ContainerInfo, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", ProjectLabel+"="+project),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	d.log.Debugf("Found %d running container(s) in project %s", len(list), project)

	var results []apptypes.ContainerInfo
	for _, c := range list {
		source, ok := mountsPath(c, dataDir)
		if !ok {
			continue
		}
		info := apptypes.ContainerInfo{
			ID:          c.ID,
			Name:        containerName(c),
			Service:     c.Labels["com.docker.compose.service"],
			MountSource: source,
		}
		d.log.Debugf("Container %s mounts %s", info.Name, source)
		results = append(results, info)
	}
	return results, nil
}

// DataUsers answers whether a project's containers are using a data
// directory.
type DataUsers struct {
	disc    *Discoverer
	project string
	dataDir string
	log     logrus.FieldLogger
}

func NewDataUsers(c Lister, project, dataDir string, log logrus.FieldLogger) *DataUsers {
	return &DataUsers{disc: New(c, log), project: project, dataDir: dataDir, log: log}
}

// InUse returns the names of the running containers that mount the data
// directory. An unreachable daemon runs no containers, so it yields none.
func (u *DataUsers) InUse(ctx context.Context) ([]string, error) {
	containers, err := u.disc.Discover(ctx, u.project, u.dataDir)
	if client.IsErrConnectionFailed(err) {
		u.log.Debugf("Docker daemon is not reachable, assuming %s is unused", u.dataDir)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		names = append(names, c.Name)
	}
	return names, nil
}

// mountsPath reports whether c bind-mounts path or a directory related to it.
func mountsPath(c types.Container, path string) (string, bool) {
	path = filepath.Clean(path)
	for _, m := range c.Mounts {
		if m.Source == "" {
			continue
		}
		src := filepath.Clean(m.Source)
		if src == path || within(path, src) || within(src, path) {
			return src, true
		}
	}
	return "", false
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}
