package pauser

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/andres-nav/actual-budget-agent/pkg/logging"
)

type fakeEngine struct {
	containers []types.Container
	failPause  map[string]bool
	failResume map[string]bool
	calls      []string
}

func (f *fakeEngine) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeEngine) ContainerPause(_ context.Context, id string) error {
	f.calls = append(f.calls, "pause "+id)
	if f.failPause[id] {
		return errors.New("cannot pause")
	}
	return nil
}

func (f *fakeEngine) ContainerUnpause(_ context.Context, id string) error {
	f.calls = append(f.calls, "unpause "+id)
	if f.failResume[id] {
		return errors.New("cannot unpause")
	}
	return nil
}

func dataContainer(id string) types.Container {
	return types.Container{
		ID:     id,
		Names:  []string{"/" + id},
		Mounts: []types.MountPoint{{Type: "bind", Source: "/data", Destination: "/data"}},
	}
}

func TestQuiesce(t *testing.T) {
	engine := &fakeEngine{containers: []types.Container{dataContainer("a"), dataContainer("b")}}
	p := New(engine, "actual-budget", "/data", logging.Discard())

	resume, err := p.Quiesce(context.Background())
	if err != nil {
		t.Fatalf("Quiesce() error: %v", err)
	}
	if err := resume(context.Background()); err != nil {
		t.Fatalf("resume() error: %v", err)
	}

	want := []string{"pause a", "pause b", "unpause a", "unpause b"}
	if !reflect.DeepEqual(engine.calls, want) {
		t.Errorf("calls = %v, want %v", engine.calls, want)
	}
}

func TestQuiesce_NothingToPause(t *testing.T) {
	other := dataContainer("web")
	other.Mounts[0].Source = "/srv/www"
	engine := &fakeEngine{containers: []types.Container{other}}
	p := New(engine, "actual-budget", "/data", logging.Discard())

	resume, err := p.Quiesce(context.Background())
	if err != nil {
		t.Fatalf("Quiesce() error: %v", err)
	}
	if err := resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(engine.calls) != 0 {
		t.Errorf("calls = %v, want none", engine.calls)
	}
}

func TestQuiesce_PauseFailureUnpausesOthers(t *testing.T) {
	engine := &fakeEngine{
		containers: []types.Container{dataContainer("a"), dataContainer("b"), dataContainer("c")},
		failPause:  map[string]bool{"b": true},
	}
	p := New(engine, "actual-budget", "/data", logging.Discard())

	if _, err := p.Quiesce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	want := []string{"pause a", "pause b", "unpause a"}
	if !reflect.DeepEqual(engine.calls, want) {
		t.Errorf("calls = %v, want %v", engine.calls, want)
	}
}

func TestResume_ReportsAllFailures(t *testing.T) {
	engine := &fakeEngine{
		containers: []types.Container{dataContainer("a"), dataContainer("b"), dataContainer("c")},
		failResume: map[string]bool{"a": true, "c": true},
	}
	p := New(engine, "actual-budget", "/data", logging.Discard())

	resume, err := p.Quiesce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = resume(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unpausing a") || !strings.Contains(err.Error(), "unpausing c") {
		t.Errorf("error = %v, want both failures", err)
	}
	if engine.calls[len(engine.calls)-2] != "unpause b" {
		t.Errorf("every container should be tried, calls = %v", engine.calls)
	}
}
