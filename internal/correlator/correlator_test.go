package correlator

import (
	"errors"
	"testing"
	"time"
)

func TestIssueCompleteResolvesOnce(t *testing.T) {
	c := New()
	id, ch := c.Issue(time.Second)
	if id == "" {
		t.Fatal("expected a non-empty request id")
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}

	c.Complete(id, Result{Status: 200, Body: "ok"})

	select {
	case res := <-ch:
		if res.Status != 200 || res.Body != "ok" {
			t.Fatalf("got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	if c.Pending() != 0 {
		t.Fatalf("Pending() after complete = %d, want 0", c.Pending())
	}
}

func TestSecondCompletionIsNoOp(t *testing.T) {
	c := New()
	id, ch := c.Issue(time.Second)
	c.Complete(id, Result{Status: 200})
	<-ch // drain the first result

	// a second completion for the same id must not panic (double-close of
	// the channel) and must have no observable effect.
	c.Complete(id, Result{Status: 500})

	select {
	case res, ok := <-ch:
		if ok {
			t.Fatalf("unexpected second value on channel: %+v", res)
		}
	default:
	}
}

func TestCompleteUnknownRequestIDIsDiscarded(t *testing.T) {
	c := New()
	// must not panic when there is no pending entry.
	c.Complete("does-not-exist", Result{Status: 200})
}

func TestTimeoutFailsWithRequestTimeoutError(t *testing.T) {
	c := New()
	_, ch := c.Issue(10 * time.Millisecond)

	select {
	case res := <-ch:
		if res.Err == nil {
			t.Fatal("expected an error on timeout")
		}
		if !errors.Is(res.Err, errRequestTimeout) {
			t.Fatalf("err = %v, want request timeout", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout result")
	}
}

func TestCompleteAfterTimeoutIsNoOp(t *testing.T) {
	c := New()
	id, ch := c.Issue(10 * time.Millisecond)
	<-ch // wait for timeout to fire and resolve

	// a late response frame arriving after timeout must not panic or
	// resurrect the entry.
	c.Complete(id, Result{Status: 200})
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFailAllResolvesEveryPendingEntry(t *testing.T) {
	c := New()
	_, ch1 := c.Issue(time.Minute)
	_, ch2 := c.Issue(time.Minute)

	wantErr := errors.New("slave disconnected")
	c.FailAll(wantErr)

	for _, ch := range []<-chan Result{ch1, ch2} {
		select {
		case res := <-ch:
			if res.Err != wantErr {
				t.Fatalf("err = %v, want %v", res.Err, wantErr)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for FailAll result")
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() after FailAll = %d, want 0", c.Pending())
	}
}
