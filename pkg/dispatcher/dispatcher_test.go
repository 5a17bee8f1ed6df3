package dispatcher

import "testing"

func newTestDispatcher() *Dispatcher {
	return New(Config{DefaultModelLimit: 2}, nil, nil)
}

func TestTryReserveModelSlotRespectsDefaultLimit(t *testing.T) {
	d := newTestDispatcher()

	if !d.tryReserveModelSlot("m1") {
		t.Fatal("expected first reservation to succeed")
	}
	if !d.tryReserveModelSlot("m1") {
		t.Fatal("expected second reservation to succeed (limit is 2)")
	}
	if d.tryReserveModelSlot("m1") {
		t.Fatal("expected third reservation to fail, limit exceeded")
	}

	d.releaseModelSlot("m1")
	if !d.tryReserveModelSlot("m1") {
		t.Fatal("expected reservation to succeed again after release")
	}
}

func TestSetModelLimitOverridesDefault(t *testing.T) {
	d := newTestDispatcher()
	d.SetModelLimit("big-model", 1)

	if !d.tryReserveModelSlot("big-model") {
		t.Fatal("expected first reservation to succeed")
	}
	if d.tryReserveModelSlot("big-model") {
		t.Fatal("expected second reservation to fail under overridden limit of 1")
	}
}

func TestModelsAreIndependent(t *testing.T) {
	d := newTestDispatcher()
	d.SetModelLimit("a", 1)
	d.SetModelLimit("b", 1)

	if !d.tryReserveModelSlot("a") {
		t.Fatal("expected reservation for model a to succeed")
	}
	if !d.tryReserveModelSlot("b") {
		t.Fatal("expected reservation for model b to succeed independently of model a")
	}
}
