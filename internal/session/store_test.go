package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	s := NewStore("sys")
	a, err := s.GetOrCreate("+15550001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := s.GetOrCreate(" +15550001 ")
	if a != b {
		t.Fatalf("expected the same session for the same identity")
	}
	c, _ := s.GetOrCreate("+15550002")
	if c == a {
		t.Fatalf("expected distinct sessions per identity")
	}
	if h := a.Snapshot(); len(h) != 1 || h[0].Content != "sys" {
		t.Fatalf("new session must start with the system prompt, got %+v", h)
	}
	if _, err := s.GetOrCreate("  "); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected identity error, got %v", err)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	s := NewStore("sys")
	_, release, err := s.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := s.Acquire(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to block until deadline, got %v", err)
	}

	// Other identities are independent.
	_, releaseOther, err := s.Acquire(context.Background(), "u2")
	if err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	releaseOther()

	release()
	release()
	_, release2, err := s.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestConcurrentTurnsDoNotInterleave(t *testing.T) {
	s := NewStore("sys")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, release, err := s.Acquire(context.Background(), "u1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			// A turn appends a user/assistant pair; with the lease held no
			// other turn may slip in between.
			sess.AppendUser("q")
			time.Sleep(time.Millisecond)
			sess.AppendUser("a")
		}()
	}
	wg.Wait()

	sess, _ := s.GetOrCreate("u1")
	h := sess.Snapshot()
	if len(h) != 41 {
		t.Fatalf("expected 41 messages, got %d", len(h))
	}
	for i := 1; i < len(h); i += 2 {
		if h[i].Content != "q" || h[i+1].Content != "a" {
			t.Fatalf("turns interleaved at %d: %q %q", i, h[i].Content, h[i+1].Content)
		}
	}
}

func TestEvictSkipsLeasedAndRecentSessions(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore("sys", WithIdleTTL(time.Hour))
	s.now = func() time.Time { return now }

	_, _ = s.GetOrCreate("idle")
	_, release, _ := s.Acquire(context.Background(), "busy")

	now = now.Add(30 * time.Minute)
	_, _ = s.GetOrCreate("fresh")

	now = now.Add(45 * time.Minute)
	if n := s.Evict(); n != 1 {
		t.Fatalf("expected only the idle session to be evicted, got %d", n)
	}
	if s.Len() != 2 {
		t.Fatalf("expected busy and fresh to remain, got %d", s.Len())
	}

	release()
	now = now.Add(2 * time.Hour)
	if n := s.Evict(); n != 2 {
		t.Fatalf("expected remaining sessions to be evicted once idle, got %d", n)
	}
}

func TestEvictDisabledWithZeroTTL(t *testing.T) {
	s := NewStore("sys", WithIdleTTL(0))
	now := time.Now()
	s.now = func() time.Time { return now }
	_, _ = s.GetOrCreate("u1")
	now = now.Add(1000 * time.Hour)
	if s.Evict() != 0 || s.Len() != 1 {
		t.Fatalf("eviction must be disabled with zero TTL")
	}
}

func TestEvictedSessionStartsFresh(t *testing.T) {
	now := time.Now()
	s := NewStore("sys", WithIdleTTL(time.Minute))
	s.now = func() time.Time { return now }

	old, _ := s.GetOrCreate("u1")
	old.AppendUser("remember me")
	now = now.Add(2 * time.Minute)
	s.Evict()

	sess, release, err := s.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	if sess == old || sess.Len() != 1 {
		t.Fatalf("expected a fresh session after eviction")
	}
}

func TestResetUnderLease(t *testing.T) {
	s := NewStore("sys")
	sess, _ := s.GetOrCreate("u1")
	sess.AppendUser("hello")

	ok, err := s.Reset(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("reset: %v %v", ok, err)
	}
	if sess.Len() != 1 {
		t.Fatalf("expected only the system prompt after reset")
	}
	if ok, _ := s.Reset(context.Background(), "nobody"); ok {
		t.Fatalf("reset of unknown identity should report false")
	}
}
