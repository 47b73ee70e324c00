package client

import (
	"context"
	"net/netip"
	"testing"
	"time"
)

func addr(last byte, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, last}), port)
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := newAddrQueue()
	q.Put(addr(1, 1111), addr(2, 2222))

	ctx := context.Background()
	for i, want := range []netip.AddrPort{addr(1, 1111), addr(2, 2222)} {
		got, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get[%d]: %v", i, err)
		}
		if got != want {
			t.Fatalf("Get[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestQueueReplaceDropsOldAddresses(t *testing.T) {
	q := newAddrQueue()
	q.Put(addr(1, 1111), addr(2, 2222))
	q.Replace([]netip.AddrPort{addr(9, 9999)})

	got, err := q.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != addr(9, 9999) {
		t.Fatalf("Get = %v, want the replacement address", got)
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := newAddrQueue()

	got := make(chan netip.AddrPort, 1)
	go func() {
		a, err := q.Get(context.Background())
		if err != nil {
			return
		}
		got <- a
	}()

	select {
	case a := <-got:
		t.Fatalf("Get returned %v before anything was queued", a)
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(addr(3, 3333))

	select {
	case a := <-got:
		if a != addr(3, 3333) {
			t.Fatalf("Get = %v", a)
		}
	case <-time.After(time.Second):
		t.Fatalf("Get never woke after Put")
	}
}

func TestQueueGetHonorsCancellation(t *testing.T) {
	q := newAddrQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Get never returned after cancel")
	}
}

func TestQueueWakesMultipleWaiters(t *testing.T) {
	q := newAddrQueue()

	const waiters = 3
	got := make(chan netip.AddrPort, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			a, err := q.Get(context.Background())
			if err != nil {
				return
			}
			got <- a
		}()
	}

	q.Put(addr(1, 1), addr(2, 2), addr(3, 3))

	seen := make(map[netip.AddrPort]bool)
	for i := 0; i < waiters; i++ {
		select {
		case a := <-got:
			seen[a] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d waiters woke", i, waiters)
		}
	}
	if len(seen) != waiters {
		t.Fatalf("waiters received duplicate addresses: %v", seen)
	}
}
