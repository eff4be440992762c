// Package storetest is a conformance suite for sessions.Store
// implementations. Backend packages run it from their own tests so the
// in-memory and Redis stores stay behaviorally interchangeable.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rpcbridge/rpcbridge-go/sessions"
)

// StoreFactory creates a fresh Store for one subtest.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the shared Store test suite against the factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_AssignsUniqueIDs", func(t *testing.T) { testCreateUniqueIDs(t, factory) })
	t.Run("Get_UnknownReturnsNotFound", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Inbound_FIFOByteIdentical", func(t *testing.T) { testInboundFIFO(t, factory) })
	t.Run("Outbound_PublishReachesConsumer", func(t *testing.T) { testPublishReachesConsumer(t, factory) })
	t.Run("Outbound_ResumeAfterLastEventID", func(t *testing.T) { testResumeAfterLastEventID(t, factory) })
	t.Run("Conflict_RejectNewKeepsPrior", func(t *testing.T) { testConflictRejectNew(t, factory) })
	t.Run("Conflict_EvictPriorHandsOver", func(t *testing.T) { testConflictEvictPrior(t, factory) })
	t.Run("Await_FulfillDeliversOnce", func(t *testing.T) { testAwaitFulfill(t, factory) })
	t.Run("Await_DuplicateCorrelationRejected", func(t *testing.T) { testAwaitDuplicate(t, factory) })
	t.Run("Await_CancelUnblocksRecv", func(t *testing.T) { testAwaitCancel(t, factory) })
	t.Run("Authorization_RoundTrip", func(t *testing.T) { testAuthorization(t, factory) })
	t.Run("Remove_ClosesQueues", func(t *testing.T) { testRemoveCloses(t, factory) })
}

func testCreateUniqueIDs(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		sess, err := st.Create(ctx, sessions.ModeStateful)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if sess.ID() == "" {
			t.Fatal("expected non-empty session id")
		}
		if seen[sess.ID()] {
			t.Fatalf("duplicate session id %s", sess.ID())
		}
		seen[sess.ID()] = true

		got, err := st.Get(ctx, sess.ID())
		if err != nil {
			t.Fatalf("get after create: %v", err)
		}
		if got.ID() != sess.ID() {
			t.Fatalf("get returned id %s, want %s", got.ID(), sess.ID())
		}
	}
}

func testGetUnknown(t *testing.T, factory StoreFactory) {
	st := factory(t)
	_, err := st.Get(context.Background(), "no-such-session")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testInboundFIFO(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var want [][]byte
	for i := 0; i < 8; i++ {
		msg := fmt.Appendf(nil, `{"jsonrpc":"2.0","method":"tick","params":{"n":%d}}`, i)
		want = append(want, msg)
		if err := sess.PushInbound(ctx, msg); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i, w := range want {
		got, err := sess.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if !bytes.Equal(got, w) {
			t.Fatalf("recv %d: got %q, want %q", i, got, w)
		}
	}
}

func testPublishReachesConsumer(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	attached := make(chan struct{})
	type delivery struct {
		id   string
		data []byte
	}
	got := make(chan delivery, 1)

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() {
		done <- sess.Consume(consumeCtx, sessions.ConsumeOptions{
			OnAttach: func() { close(attached) },
		}, func(ctx context.Context, eventID string, payload []byte) error {
			got <- delivery{eventID, payload}
			return nil
		})
	}()

	select {
	case <-attached:
	case <-ctx.Done():
		t.Fatal("consumer never attached")
	}

	msg := []byte(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`)
	evID, err := sess.Publish(ctx, msg)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if evID == "" {
		t.Fatal("expected non-empty event id")
	}

	select {
	case d := <-got:
		if d.id != evID {
			t.Fatalf("delivered event id %s, want %s", d.id, evID)
		}
		if !bytes.Equal(d.data, msg) {
			t.Fatalf("delivered payload %q, want %q", d.data, msg)
		}
	case <-ctx.Done():
		t.Fatal("delivery timeout")
	}

	stop()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume returned %v, want context.Canceled", err)
	}
}

func testResumeAfterLastEventID(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var ids []string
	var payloads [][]byte
	for i := 0; i < 3; i++ {
		msg := fmt.Appendf(nil, `{"jsonrpc":"2.0","method":"log","params":{"seq":%d}}`, i)
		id, err := sess.Publish(ctx, msg)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		ids = append(ids, id)
		payloads = append(payloads, msg)
	}

	var mu sync.Mutex
	var replayed []delivered
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() {
		done <- sess.Consume(consumeCtx, sessions.ConsumeOptions{
			LastEventID: ids[0],
		}, func(ctx context.Context, eventID string, payload []byte) error {
			mu.Lock()
			replayed = append(replayed, delivered{eventID, payload})
			n := len(replayed)
			mu.Unlock()
			if n == 2 {
				stop()
			}
			return nil
		})
	}()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(replayed))
	}
	for i, d := range replayed {
		if d.id != ids[i+1] {
			t.Fatalf("replay %d: event id %s, want %s", i, d.id, ids[i+1])
		}
		if !bytes.Equal(d.data, payloads[i+1]) {
			t.Fatalf("replay %d: payload %q, want %q", i, d.data, payloads[i+1])
		}
	}
}

type delivered struct {
	id   string
	data []byte
}

func testConflictRejectNew(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	attached := make(chan struct{})
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	first := make(chan error, 1)
	go func() {
		first <- sess.Consume(consumeCtx, sessions.ConsumeOptions{
			OnAttach: func() { close(attached) },
		}, func(context.Context, string, []byte) error { return nil })
	}()
	<-attached

	err = sess.Consume(ctx, sessions.ConsumeOptions{Policy: sessions.RejectNew},
		func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, sessions.ErrSessionConflict) {
		t.Fatalf("second attach returned %v, want ErrSessionConflict", err)
	}

	stop()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("first consumer returned %v, want context.Canceled", err)
	}
}

func testConflictEvictPrior(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	firstAttached := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- sess.Consume(ctx, sessions.ConsumeOptions{
			OnAttach: func() { close(firstAttached) },
		}, func(context.Context, string, []byte) error { return nil })
	}()
	<-firstAttached

	secondAttached := make(chan struct{})
	got := make(chan []byte, 1)
	secondCtx, stopSecond := context.WithCancel(ctx)
	defer stopSecond()
	second := make(chan error, 1)
	go func() {
		second <- sess.Consume(secondCtx, sessions.ConsumeOptions{
			Policy:   sessions.EvictPrior,
			OnAttach: func() { close(secondAttached) },
		}, func(ctx context.Context, eventID string, payload []byte) error {
			got <- payload
			return nil
		})
	}()
	<-secondAttached

	// Eviction is a clean handover, not an error, for the prior consumer.
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("evicted consumer returned %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatal("evicted consumer never returned")
	}

	msg := []byte(`{"jsonrpc":"2.0","method":"handover"}`)
	if _, err := sess.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case payload := <-got:
		if !bytes.Equal(payload, msg) {
			t.Fatalf("new consumer got %q, want %q", payload, msg)
		}
	case <-ctx.Done():
		t.Fatal("new consumer never received")
	}
}

func testAwaitFulfill(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	aw, err := sess.BeginAwait(ctx, "42", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}

	reply := []byte(`{"jsonrpc":"2.0","id":42,"result":{"ok":true}}`)
	delivered, err := sess.Fulfill(ctx, "42", reply)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if !delivered {
		t.Fatal("fulfill reported no waiter")
	}

	got, err := aw.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("recv got %q, want %q", got, reply)
	}

	// The slot is consumed; a second fulfill finds no waiter.
	delivered, err = sess.Fulfill(ctx, "42", reply)
	if err != nil {
		t.Fatalf("second fulfill: %v", err)
	}
	if delivered {
		t.Fatal("second fulfill reported a waiter")
	}
}

func testAwaitDuplicate(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	aw, err := sess.BeginAwait(ctx, "dup", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	defer aw.Cancel(ctx)

	if _, err := sess.BeginAwait(ctx, "dup", time.Minute); !errors.Is(err, sessions.ErrAwaitExists) {
		t.Fatalf("duplicate await returned %v, want ErrAwaitExists", err)
	}
}

func testAwaitCancel(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	aw, err := sess.BeginAwait(ctx, "77", time.Minute)
	if err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if err := aw.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := aw.Recv(ctx); !errors.Is(err, sessions.ErrAwaitCanceled) {
		t.Fatalf("recv after cancel returned %v, want ErrAwaitCanceled", err)
	}
}

func testAuthorization(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, ok := sess.Authorization(); ok {
		t.Fatal("fresh session should carry no credential")
	}
	sess.SetAuthorization("tok-abc")
	if tok, ok := sess.Authorization(); !ok || tok != "tok-abc" {
		t.Fatalf("got (%q, %v), want (tok-abc, true)", tok, ok)
	}

	// A later exchange refreshes the credential in place.
	sess.SetAuthorization("tok-def")
	if tok, _ := sess.Authorization(); tok != "tok-def" {
		t.Fatalf("got %q after refresh, want tok-def", tok)
	}
}

func testRemoveCloses(t *testing.T, factory StoreFactory) {
	st := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.Create(ctx, sessions.ModeStateful)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Remove(ctx, sess.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := st.Get(ctx, sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("get after remove returned %v, want ErrSessionNotFound", err)
	}
	if err := sess.PushInbound(ctx, []byte(`{}`)); !errors.Is(err, sessions.ErrChannelClosed) {
		t.Fatalf("push after remove returned %v, want ErrChannelClosed", err)
	}
	if _, err := sess.Publish(ctx, []byte(`{}`)); !errors.Is(err, sessions.ErrChannelClosed) {
		t.Fatalf("publish after remove returned %v, want ErrChannelClosed", err)
	}
}
