package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/sel4vm/internal/kernel"
)

// Action is the outcome a fault or notification handler hands back to the
// dispatch loop, mirroring spec §4.1's "HANDLED, UNHANDLED, RESTART,
// ERROR" exit codes.
type Action int

const (
	// ActionHandled resumes the vCPU: modified registers are synced and
	// the kernel message is replied.
	ActionHandled Action = iota
	// ActionRestart re-invokes the same handler against the same
	// message without leaving the kernel, for a multi-stage access
	// (LDRD/STRD) that advanced its Fault object's stage rather than
	// completing it.
	ActionRestart
	// ActionUnhandled falls through to the embedder's unhandled-fault
	// callback; if none is registered, this is fatal.
	ActionUnhandled
	// ActionError is always fatal: exit_reason becomes ERROR and the
	// dispatch loop for this vCPU terminates.
	ActionError
)

// ErrExitError is returned by Dispatcher.Run when a handler returns
// ActionError, mapping to spec's externally visible exit_reason = ERROR.
var ErrExitError = errors.New("vm: vcpu exited with exit_reason = ERROR")

// ErrUnknownExitReason is fatal, per spec §4.1's failure semantics.
var ErrUnknownExitReason = errors.New("vm: unknown exit reason")

// FaultHandlerFunc decodes and services one fault-class exit.
type FaultHandlerFunc func(c *VCPU, msg kernel.FaultMessage) (Action, error)

// NotifHandlerFunc services one notification-class exit (any badge
// outside the vCPU badge range, per spec §4.1 step 3).
type NotifHandlerFunc func(c *VCPU, badge uint32, msg kernel.NotifMessage) (Action, error)

// Dispatcher wires the badge classification of spec §4.1 step 3 to
// concrete architecture exit-handler tables and the embedder's
// notification callback.
type Dispatcher struct {
	FaultHandler     FaultHandlerFunc
	NotifHandler     NotifHandlerFunc
	OnUnhandledFault FaultHandlerFunc
}

// Run drives c's dispatch loop until ctx is cancelled, the guest halts
// (ErrVMHalted/ErrGuestRequestedReboot), or a handler returns
// ActionError/an error.
//
// The abstract Kernel contract folds "publish and resume" and "block for
// a notification" into one VMEnter call; a concrete kernel backing only
// actually re-enters the guest when c is runnable, otherwise VMEnter
// simply blocks for the next notification directed at this vCPU's badge.
func (d *Dispatcher) Run(ctx context.Context, c *VCPU) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := c.vm.kern.VMEnter(c.handle, c.pc, c.ppc, c.entryInterruptInfo)
		if err != nil {
			return fmt.Errorf("vm: vcpu %d VMEnter: %w", c.id, err)
		}
		c.entryInterruptInfo = 0

		if err := d.dispatch(c, res); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) dispatch(c *VCPU, res kernel.EntryResult) error {
	switch res.Reason {
	case kernel.ExitFault:
		return d.dispatchFault(c, res.Fault)
	case kernel.ExitNotification:
		return d.dispatchNotif(c, res.Badge, res.Notif)
	default:
		return fmt.Errorf("vm: vcpu %d: %w: %v", c.id, ErrUnknownExitReason, res.Reason)
	}
}

func (d *Dispatcher) dispatchFault(c *VCPU, msg kernel.FaultMessage) error {
	if d.FaultHandler == nil {
		return fmt.Errorf("vm: vcpu %d: no fault handler registered", c.id)
	}
	flt := c.ensureFault()
	flt.Reset()
	flt.SetIP(c.pc)

	useFallback := false
	for {
		var action Action
		var err error
		if useFallback {
			if d.OnUnhandledFault == nil {
				return fmt.Errorf("vm: vcpu %d: unhandled memory fault with no fallback registered", c.id)
			}
			action, err = d.OnUnhandledFault(c, msg)
		} else {
			action, err = d.FaultHandler(c, msg)
		}
		if err != nil {
			return fmt.Errorf("vm: vcpu %d fault handler: %w", c.id, err)
		}
		if err := flt.Sync(); err != nil {
			return fmt.Errorf("vm: vcpu %d sync: %w", c.id, err)
		}

		switch action {
		case ActionHandled:
			c.pc = flt.IP()
			return c.vm.kern.Reply(c.handle)
		case ActionRestart:
			useFallback = false
			continue
		case ActionUnhandled:
			if useFallback {
				return fmt.Errorf("vm: vcpu %d: memory fault left unhandled", c.id)
			}
			useFallback = true
			continue
		case ActionError:
			return ErrExitError
		default:
			return fmt.Errorf("vm: vcpu %d: unrecognized dispatch action %d", c.id, action)
		}
	}
}

func (d *Dispatcher) dispatchNotif(c *VCPU, badge uint32, msg kernel.NotifMessage) error {
	if d.NotifHandler == nil {
		return fmt.Errorf("vm: vcpu %d: no notification handler registered", c.id)
	}
	action, err := d.NotifHandler(c, badge, msg)
	if err != nil {
		return fmt.Errorf("vm: vcpu %d notification handler: %w", c.id, err)
	}
	switch action {
	case ActionHandled:
		return c.vm.kern.Reply(c.handle)
	case ActionError:
		return ErrExitError
	default:
		return fmt.Errorf("vm: vcpu %d: unrecognized notification action %d", c.id, action)
	}
}

// Run drives every vCPU's dispatch loop concurrently, returning the first
// error any of them produces and cancelling the rest.
func (v *VM) Run(ctx context.Context, d *Dispatcher) error {
	vcpus := v.VCPUs()
	if len(vcpus) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(vcpus))
	for _, c := range vcpus {
		c := c
		go func() {
			errCh <- d.Run(ctx, c)
		}()
	}

	var first error
	for range vcpus {
		if err := <-errCh; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}
