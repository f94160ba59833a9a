package rescache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheHitMiss(t *testing.T) {
	c := New(Config{SizeMB: 1, TTLSeconds: 60})
	var fills int32
	fill := func() (Entry, error) {
		atomic.AddInt32(&fills, 1)
		return Entry{Data: []byte("payload"), ContentType: "application/octet-stream"}, nil
	}

	entry, hit, err := c.GetOrFill("key1", fill)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Errorf("first request should miss")
	}
	if string(entry.Data) != "payload" || entry.ContentType != "application/octet-stream" {
		t.Errorf("bad entry: %+v", entry)
	}

	entry, hit, err = c.GetOrFill("key1", fill)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Errorf("second request should hit")
	}
	if string(entry.Data) != "payload" {
		t.Errorf("cached bytes differ")
	}
	if n := atomic.LoadInt32(&fills); n != 1 {
		t.Errorf("fill ran %d times, want 1", n)
	}
}

func TestCacheDisabled(t *testing.T) {
	c := New(Config{})
	if c.Enabled() {
		t.Fatalf("zero-size cache should be disabled")
	}
	var fills int32
	fill := func() (Entry, error) {
		atomic.AddInt32(&fills, 1)
		return Entry{Data: []byte("x")}, nil
	}
	for i := 0; i < 3; i++ {
		if _, hit, err := c.GetOrFill("key", fill); err != nil || hit {
			t.Fatalf("pass-through request %d: hit=%t err=%v", i, hit, err)
		}
	}
	if n := atomic.LoadInt32(&fills); n != 3 {
		t.Errorf("disabled cache must re-invoke fill every time, got %d fills", n)
	}
}

func TestCacheFillError(t *testing.T) {
	c := New(Config{SizeMB: 1})
	boom := errors.New("boom")
	if _, _, err := c.GetOrFill("key", func() (Entry, error) { return Entry{}, boom }); !errors.Is(err, boom) {
		t.Fatalf("fill error not propagated: %v", err)
	}
	// A failed fill must not poison the key.
	entry, _, err := c.GetOrFill("key", func() (Entry, error) {
		return Entry{Data: []byte("ok")}, nil
	})
	if err != nil || string(entry.Data) != "ok" {
		t.Errorf("fill after failure: %v %+v", err, entry)
	}
}

func TestCacheFlush(t *testing.T) {
	c := New(Config{SizeMB: 1})
	var fills int32
	fill := func() (Entry, error) {
		atomic.AddInt32(&fills, 1)
		return Entry{Data: []byte("x")}, nil
	}
	c.GetOrFill("key", fill)
	c.Flush()
	if _, hit, _ := c.GetOrFill("key", fill); hit {
		t.Errorf("flushed entry should not hit")
	}
	if n := atomic.LoadInt32(&fills); n != 2 {
		t.Errorf("fill ran %d times, want 2", n)
	}
}

func TestConcurrentSameKey(t *testing.T) {
	c := New(Config{SizeMB: 1})
	var fills int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, _, err := c.GetOrFill("shared", func() (Entry, error) {
				atomic.AddInt32(&fills, 1)
				return Entry{Data: []byte("shared payload")}, nil
			})
			if err != nil || string(entry.Data) != "shared payload" {
				t.Errorf("concurrent get: %v %+v", err, entry)
			}
		}()
	}
	wg.Wait()
	// Duplicate concurrent encodes of one key collapse via singleflight.
	if n := atomic.LoadInt32(&fills); n > 2 {
		t.Errorf("fill ran %d times for one key under concurrency", n)
	}
}

// A disconnecting client whose fill leads the shared flight must not fail
// other requests waiting on the same key.
func TestCanceledLeaderSharedKey(t *testing.T) {
	c := New(Config{SizeMB: 1})
	leaderIn := make(chan struct{})
	release := make(chan struct{})

	var leaderCalls int32
	var errA error
	aDone := make(chan struct{})
	go func() {
		defer close(aDone)
		_, _, errA = c.GetOrFill("shared", func() (Entry, error) {
			if atomic.AddInt32(&leaderCalls, 1) == 1 {
				close(leaderIn)
				<-release
			}
			return Entry{}, context.Canceled
		})
	}()
	<-leaderIn

	var entryB Entry
	var errB error
	bDone := make(chan struct{})
	go func() {
		defer close(bDone)
		entryB, _, errB = c.GetOrFill("shared", func() (Entry, error) {
			return Entry{Data: []byte("ok"), ContentType: "text/plain"}, nil
		})
	}()
	time.Sleep(20 * time.Millisecond) // let the second request join the in-flight fill
	close(release)
	<-aDone
	<-bDone

	if !errors.Is(errA, context.Canceled) {
		t.Errorf("canceled request: got %v", errA)
	}
	if errB != nil || string(entryB.Data) != "ok" {
		t.Errorf("live request behind a canceled leader: %v %+v", errB, entryB)
	}

	// The retried fill cached its result.
	if _, hit, err := c.GetOrFill("shared", func() (Entry, error) {
		t.Errorf("fill should not rerun for a cached key")
		return Entry{}, nil
	}); err != nil || !hit {
		t.Errorf("entry not cached after retry: hit=%t err=%v", hit, err)
	}
}

func TestEntryCodec(t *testing.T) {
	e := Entry{Data: []byte{1, 2, 3}, ContentType: "image/png"}
	decoded, err := decodeEntry(encodeEntry(e))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ContentType != e.ContentType || !bytes.Equal(decoded.Data, e.Data) {
		t.Errorf("entry codec roundtrip failed: %+v", decoded)
	}
	if _, err := decodeEntry([]byte{9}); err == nil {
		t.Errorf("short entry should fail to decode")
	}
	if _, err := decodeEntry([]byte{255, 255, 0}); err == nil {
		t.Errorf("oversized content-type length should fail to decode")
	}
}
