package virtqueue

import "testing"

func TestAllocChainExhaustion(t *testing.T) {
	q := New(4, false, false, nil, nil)
	if _, _, ok := q.allocChain(5); ok {
		t.Fatalf("expected alloc of more descriptors than exist to fail")
	}
	head, tail, ok := q.allocChain(4)
	if !ok {
		t.Fatalf("expected alloc of all 4 to succeed")
	}
	if _, _, ok := q.allocChain(1); ok {
		t.Fatalf("expected queue to be fully allocated")
	}
	q.deallocChain(head, tail, 4)
	if _, _, ok := q.allocChain(4); !ok {
		t.Fatalf("expected alloc to succeed again after dealloc")
	}
}

func TestSendRecvRetryWhenExhausted(t *testing.T) {
	q := New(1, false, false, nil, nil)
	_, ok, err := q.SendRecv([]byte("x"), 0, false, 2)
	if ok || err != 0 {
		t.Fatalf("expected retry (ok=false) when chain needs more descriptors than exist")
	}
}

func TestGenericCompletion(t *testing.T) {
	q := New(4, false, false, nil, nil)
	f, ok, _ := q.SendRecv([]byte("hello"), 0, false, 1)
	if !ok {
		t.Fatalf("SendRecv should have succeeded")
	}

	q.DeviceCompletes(f.HeadIdx, 5)
	resp, ready := q.Poll(f)
	if !ready {
		t.Fatalf("expected future ready after matching completion")
	}
	if resp.ValidBytes != 5 {
		t.Fatalf("valid_bytes = %d, want 5", resp.ValidBytes)
	}
}

func TestLegacyLenOverridesDeviceLen(t *testing.T) {
	q := New(4, false, false, nil, nil)
	f, _, _ := q.SendRecv([]byte("hello"), 3, true, 1)
	q.DeviceCompletes(f.HeadIdx, 5)
	resp, ready := q.Poll(f)
	if !ready {
		t.Fatalf("expected ready")
	}
	if resp.ValidBytes != 3 {
		t.Fatalf("valid_bytes = %d, want legacy 3", resp.ValidBytes)
	}
}

func TestInOrderCompletion(t *testing.T) {
	q := New(4, true, false, nil, nil)
	f1, _, _ := q.SendRecv([]byte("a"), 0, false, 1)
	f2, _, _ := q.SendRecv([]byte("b"), 0, false, 1)

	q.DeviceCompletes(f1.HeadIdx, 1)
	q.DeviceCompletes(f2.HeadIdx, 1)

	if _, ready := q.Poll(f2); !ready {
		t.Fatalf("expected f2 resolved by in-order sweep even though polled first")
	}
	if _, ready := q.Poll(f1); !ready {
		t.Fatalf("expected f1 also resolved")
	}
}

func TestGenericCompletionResolvesOtherFutureObservedInPassing(t *testing.T) {
	q := New(4, false, false, nil, nil)
	f1, _, _ := q.SendRecv([]byte("a"), 0, false, 1)
	f2, _, _ := q.SendRecv([]byte("b"), 0, false, 1)

	woken := false
	w := q.wakers[f1.HeadIdx]
	w.Install(func() { woken = true })

	// Device completes f1 first, then f2. Poll f2: its own loop walks
	// past f1's completion on the way to f2's, and must resolve f1
	// fully (not just clear its waker) so f1 never gets stuck forever.
	q.DeviceCompletes(f1.HeadIdx, 1)
	q.DeviceCompletes(f2.HeadIdx, 1)

	if _, ready := q.Poll(f2); !ready {
		t.Fatalf("expected f2 ready")
	}
	if !woken {
		t.Fatalf("expected f1's waker to fire when f2's Poll passed over it")
	}
	if !f1.ready.Load() {
		t.Fatalf("expected f1 resolved as a side effect of f2's Poll, not left stuck")
	}
	if resp, ready := q.Poll(f1); !ready || resp.ValidBytes != 1 {
		t.Fatalf("f1.Poll() = (%v, %v), want resolved response with 1 valid byte", resp, ready)
	}
}

func TestPollReturnsWholeMultiDescriptorChain(t *testing.T) {
	q := New(4, false, false, nil, nil)
	f, ok, _ := q.SendRecv([]byte("data"), 0, false, 3)
	if !ok {
		t.Fatalf("SendRecv should have succeeded")
	}
	if q.freeCount != 1 {
		t.Fatalf("freeCount after 3-descriptor alloc = %d, want 1", q.freeCount)
	}

	q.DeviceCompletes(f.HeadIdx, 4)
	if _, ready := q.Poll(f); !ready {
		t.Fatalf("expected future ready")
	}

	if q.freeCount != 4 {
		t.Fatalf("freeCount after completing a 3-descriptor chain = %d, want 4 (all descriptors reclaimed)", q.freeCount)
	}
	if _, _, ok := q.allocChain(4); !ok {
		t.Fatalf("expected all 4 descriptors allocable again after the chain's completion")
	}
}

func TestZeroLengthSendRecvImmediatelyReady(t *testing.T) {
	q := New(4, false, false, nil, nil)
	f, ok, err := q.SendRecv(nil, 0, false, 0)
	if !ok || err != 0 {
		t.Fatalf("expected zero-length send_recv to succeed immediately")
	}
	if _, ready := q.Poll(f); !ready {
		t.Fatalf("expected zero-length future to already be ready")
	}
}

func TestWakerDoubleInstallPanics(t *testing.T) {
	w := &Waker{}
	w.Install(func() {})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double waker install")
		}
	}()
	w.Install(func() {})
}
