package vm_test

import (
	"errors"
	"testing"

	"github.com/tinyrange/sel4vm/internal/kernel"
	"github.com/tinyrange/sel4vm/internal/vm"
)

func TestCreateVCPUEnforcesMaxVCPUs(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateVCPU(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateVCPU(); err != nil {
		t.Fatal(err)
	}
	if _, err := v.CreateVCPU(); !errors.Is(err, vm.ErrVCPULimit) {
		t.Fatalf("expected ErrVCPULimit, got %v", err)
	}
}

func TestAssignVCPUTargetRejectsConflict(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 2})
	if err != nil {
		t.Fatal(err)
	}
	c0, _ := v.CreateVCPU()
	c1, _ := v.CreateVCPU()

	if err := v.AssignVCPUTarget(c0, 0); err != nil {
		t.Fatal(err)
	}
	if err := v.AssignVCPUTarget(c1, 1); err != nil {
		t.Fatal(err)
	}
	if err := v.AssignVCPUTarget(c1, 0); !errors.Is(err, vm.ErrTargetTaken) {
		t.Fatalf("expected ErrTargetTaken, got %v", err)
	}
	// Reassigning the same vCPU to the same target it already holds is
	// not a conflict.
	if err := v.AssignVCPUTarget(c0, 0); err != nil {
		t.Fatalf("re-assigning the same vcpu to its own target should succeed: %v", err)
	}
}

func TestCreateVCPURunsCallbacks(t *testing.T) {
	k := kernel.NewFakeKernel()
	var createdVM, createdMem, createdVCPU bool
	cfg := vm.Config{
		MaxVCPUs: 1,
		Callbacks: vm.SimpleCallbacks{
			CreateVM:           func(v *vm.VM) error { createdVM = true; return nil },
			CreateVMWithMemory: func(v *vm.VM) error { createdMem = true; return nil },
			CreateVCPU:         func(c *vm.VCPU) error { createdVCPU = true; return nil },
		},
	}
	v, err := vm.New(k, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !createdVM || !createdMem {
		t.Fatalf("expected OnCreateVM and OnCreateVMWithMemory to run")
	}
	if _, err := v.CreateVCPU(); err != nil {
		t.Fatal(err)
	}
	if !createdVCPU {
		t.Fatalf("expected OnCreateVCPU to run")
	}
}

func TestVCPUStartMarksOnline(t *testing.T) {
	k := kernel.NewFakeKernel()
	v, err := vm.New(k, vm.Config{MaxVCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := v.CreateVCPU()
	if c.Online() {
		t.Fatalf("vcpu should start offline")
	}
	setupRan := false
	if err := c.Start(0x1000, func(c *vm.VCPU) error { setupRan = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !c.Online() || c.Halted() {
		t.Fatalf("expected vcpu online and unhalted after Start")
	}
	if !setupRan {
		t.Fatalf("expected setup callback to run")
	}
	if c.PC() != 0x1000 {
		t.Fatalf("expected pc 0x1000, got %#x", c.PC())
	}
}
