package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/andres-nav/actual-budget-agent/pkg/logging"
)

type fakeLister struct {
	containers []types.Container
	err        error
	opts       container.ListOptions
}

func (f *fakeLister) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.opts = opts
	return f.containers, f.err
}

func withMounts(sources ...string) types.Container {
	c := types.Container{}
	for _, s := range sources {
		c.Mounts = append(c.Mounts, types.MountPoint{Type: "bind", Source: s, Destination: "/data"})
	}
	return c
}

func TestMountsPath(t *testing.T) {
	tests := []struct {
		name    string
		c       types.Container
		want    string
		wantHit bool
	}{
		{"exact", withMounts("/home/ec2-user/budget-data"), "/home/ec2-user/budget-data", true},
		{"trailing slash", withMounts("/home/ec2-user/budget-data/"), "/home/ec2-user/budget-data", true},
		{"subdirectory", withMounts("/home/ec2-user/budget-data/server-files"), "/home/ec2-user/budget-data/server-files", true},
		{"parent", withMounts("/home/ec2-user"), "/home/ec2-user", true},
		{"sibling with common prefix", withMounts("/home/ec2-user/budget-data-old"), "", false},
		{"unrelated", withMounts("/var/lib/caddy"), "", false},
		{"named volume", withMounts(""), "", false},
		{"no mounts", types.Container{}, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := mountsPath(tc.c, "/home/ec2-user/budget-data")
			if ok != tc.wantHit || got != tc.want {
				t.Errorf("mountsPath() = %q, %v; want %q, %v", got, ok, tc.want, tc.wantHit)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	actual := withMounts("/home/ec2-user/budget-data")
	actual.ID = "abc123"
	actual.Names = []string{"/actual-budget_actual_1"}
	actual.Labels = map[string]string{"com.docker.compose.service": "actual"}

	caddy := withMounts("/srv/caddy")
	caddy.ID = "def456"
	caddy.Names = []string{"/actual-budget_caddy_1"}

	lister := &fakeLister{containers: []types.Container{actual, caddy}}
	d := New(lister, logging.Discard())

	got, err := d.Discover(context.Background(), "actual-budget", "/home/ec2-user/budget-data")
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Discover() returned %d containers, want 1", len(got))
	}
	if got[0].ID != "abc123" || got[0].Name != "actual-budget_actual_1" || got[0].Service != "actual" {
		t.Errorf("Discover()[0] = %+v", got[0])
	}

	if v := lister.opts.Filters.Get("label"); len(v) != 1 || v[0] != "com.docker.compose.project=actual-budget" {
		t.Errorf("label filter = %v", v)
	}
	if v := lister.opts.Filters.Get("status"); len(v) != 1 || v[0] != "running" {
		t.Errorf("status filter = %v", v)
	}
}

func TestDiscover_NoContainers(t *testing.T) {
	d := New(&fakeLister{}, logging.Discard())

	got, err := d.Discover(context.Background(), "actual-budget", "/data")
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Discover() = %v, want none", got)
	}
}

func TestDiscover_ListError(t *testing.T) {
	d := New(&fakeLister{err: errors.New("daemon down")}, logging.Discard())

	if _, err := d.Discover(context.Background(), "actual-budget", "/data"); err == nil {
		t.Fatal("expected error")
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName(types.Container{Names: []string{"/web"}}); got != "web" {
		t.Errorf("containerName() = %q, want web", got)
	}
	if got := containerName(types.Container{ID: "0123456789abcdef"}); got != "0123456789ab" {
		t.Errorf("containerName() = %q, want short ID", got)
	}
}

func TestDataUsers_InUse(t *testing.T) {
	actual := withMounts("/home/ec2-user/budget-data")
	actual.Names = []string{"/actual-budget_actual_1"}
	caddy := withMounts("/srv/caddy")
	caddy.Names = []string{"/actual-budget_caddy_1"}

	u := NewDataUsers(&fakeLister{containers: []types.Container{actual, caddy}}, "actual-budget", "/home/ec2-user/budget-data", logging.Discard())
	got, err := u.InUse(context.Background())
	if err != nil {
		t.Fatalf("InUse() error: %v", err)
	}
	if len(got) != 1 || got[0] != "actual-budget_actual_1" {
		t.Errorf("InUse() = %v, want [actual-budget_actual_1]", got)
	}
}

func TestDataUsers_DaemonDown(t *testing.T) {
	lister := &fakeLister{err: client.ErrorConnectionFailed("unix:///var/run/docker.sock")}
	u := NewDataUsers(lister, "actual-budget", "/data", logging.Discard())

	got, err := u.InUse(context.Background())
	if err != nil || len(got) != 0 {
		t.Errorf("InUse() = %v, %v; want no users", got, err)
	}
}

func TestDataUsers_ListError(t *testing.T) {
	u := NewDataUsers(&fakeLister{err: errors.New("permission denied")}, "actual-budget", "/data", logging.Discard())

	if _, err := u.InUse(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
