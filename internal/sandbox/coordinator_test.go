package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/ready"
	"github.com/michaelbrown/jsand/internal/remotelog"
)

func TestCoordinatorRequiresHostIP(t *testing.T) {
	c := NewCoordinator(nil)
	if err := c.CreateRegistry(0); !errors.Is(err, ErrNoHostIP) {
		t.Errorf("CreateRegistry = %v, want ErrNoHostIP", err)
	}
}

func TestCoordinatorRegisterBeforeRegistry(t *testing.T) {
	c := NewCoordinator(nil)
	if _, err := c.RegisterReadyWaiter(); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("RegisterReadyWaiter = %v, want ErrNoRegistry", err)
	}
	if _, err := c.RegisterLogger(); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("RegisterLogger = %v, want ErrNoRegistry", err)
	}
}

func TestCoordinatorPublishes(t *testing.T) {
	c := NewCoordinator(nil)
	c.SetHostIP("127.0.0.1")
	if err := c.CreateRegistry(0); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateRegistry(0); !errors.Is(err, ErrRegistryExist) {
		t.Errorf("second CreateRegistry = %v", err)
	}
	if c.Port() == 0 {
		t.Error("port not reported")
	}

	if _, err := c.RegisterReadyWaiter(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RegisterLogger(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RegisterClassSender(t.TempDir(), classxfer.Designation{}); err != nil {
		t.Fatal(err)
	}
	names := c.Registry().Names()
	want := []string{classxfer.ServiceName, remotelog.ServiceName, ready.ServiceName}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
		}
	}
	if c.Waiter() == nil {
		t.Error("waiter not kept")
	}

	for i := 0; i < 2; i++ {
		if err := c.Close(context.Background()); err != nil {
			t.Fatalf("Close %d: %v", i, err)
		}
	}
	if err := c.CreateRegistry(0); err == nil {
		t.Error("closed coordinator created a registry")
	}
}
