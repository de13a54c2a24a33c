package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestUnconfiguredStoreIsUnavailable(t *testing.T) {
	store, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if store.Available() {
		t.Fatal("empty URL must yield an unavailable store")
	}

	ctx := context.Background()
	if _, err := store.Members(ctx, "s"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Members err = %v", err)
	}
	if _, _, err := store.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Get err = %v", err)
	}
	if err := store.SetWithTTL(ctx, "k", "v", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("SetWithTTL err = %v", err)
	}
	if _, err := store.MGet(ctx, []string{"a"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("MGet err = %v", err)
	}
	if _, err := store.HGetAll(ctx, "h"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("HGetAll err = %v", err)
	}
}

func TestSetOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.AddMember(ctx, "keys", "A"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddMember(ctx, "keys", "B"); err != nil {
		t.Fatal(err)
	}

	members, err := store.Members(ctx, "keys")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v", members)
	}

	ok, err := store.IsMember(ctx, "keys", "A")
	if err != nil || !ok {
		t.Fatalf("IsMember(A) = %v, %v", ok, err)
	}
	if err := store.RemoveMember(ctx, "keys", "A"); err != nil {
		t.Fatal(err)
	}
	ok, err = store.IsMember(ctx, "keys", "A")
	if err != nil || ok {
		t.Fatalf("IsMember after removal = %v, %v", ok, err)
	}
}

func TestGetSetWithTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get(missing) = found=%v err=%v", found, err)
	}

	if err := store.SetWithTTL(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, found, err := store.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Fatalf("Get(k) = %q found=%v err=%v", v, found, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Fatal("entry survived its TTL")
	}
}

func TestMGetPreservesOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.MSetWithTTL(ctx, []Entry{
		{Key: "a", Value: "1"},
		{Key: "c", Value: "3"},
	}, time.Minute); err != nil {
		t.Fatal(err)
	}

	values, err := store.MGet(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 3 {
		t.Fatalf("got %d values", len(values))
	}
	if !values[0].OK || values[0].Data != "1" {
		t.Fatalf("values[0] = %+v", values[0])
	}
	if values[1].OK {
		t.Fatalf("values[1] should be a miss, got %+v", values[1])
	}
	if !values[2].OK || values[2].Data != "3" {
		t.Fatalf("values[2] = %+v", values[2])
	}
}

func TestCounters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.GetInt(ctx, "ctr")
	if err != nil || n != 0 {
		t.Fatalf("GetInt(missing) = %d, %v", n, err)
	}
	for i := int64(1); i <= 3; i++ {
		n, err = store.Incr(ctx, "ctr")
		if err != nil || n != i {
			t.Fatalf("Incr = %d, %v, want %d", n, err, i)
		}
	}
	if err := store.SetInt(ctx, "ctr", 42); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.GetInt(ctx, "ctr"); n != 42 {
		t.Fatalf("GetInt = %d, want 42", n)
	}
}

func TestHashOperations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.HSet(ctx, "h", "f1", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := store.HSet(ctx, "h", "f2", "v2"); err != nil {
		t.Fatal(err)
	}

	all, err := store.HGetAll(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["f1"] != "v1" || all["f2"] != "v2" {
		t.Fatalf("HGetAll = %v", all)
	}

	if err := store.HDel(ctx, "h", "f1"); err != nil {
		t.Fatal(err)
	}
	all, _ = store.HGetAll(ctx, "h")
	if _, ok := all["f1"]; ok {
		t.Fatal("f1 survived HDel")
	}
}
