package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitResult(t *testing.T, sub *Subscription) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := sub.Wait(ctx)
	if err != nil {
		t.Fatalf("wait error: %v", err)
	}
	return result
}

func TestSubscriptionSettlesToLocalFile(t *testing.T) {
	dl := &stubDownloader{gate: make(chan struct{})}
	svc, _ := newTestService(t, dl)
	uri := "https://a.test/sub.png"

	sub := svc.Subscribe(Request{URI: uri})
	defer sub.Close()
	if current := sub.Current(); !current.Loading || current.LocalReference != "" {
		t.Fatalf("subscription should start loading, got %+v", current)
	}

	close(dl.gate)
	result := waitResult(t, sub)
	if result.Loading || result.Source != SourceNetwork || result.Err != nil {
		t.Fatalf("unexpected settled result: %+v", result)
	}

	select {
	case latest := <-sub.Updates():
		if latest.LocalReference != result.LocalReference {
			t.Fatalf("updates channel should carry the latest value, got %+v", latest)
		}
	default:
		t.Fatalf("updates channel should hold the settled value")
	}
}

func TestSubscriptionUpdateWithSameRequestIsNoop(t *testing.T) {
	dl := &stubDownloader{}
	svc, _ := newTestService(t, dl)
	req := Request{URI: "https://a.test/same.png", CacheKey: "same"}

	sub := svc.Subscribe(req)
	defer sub.Close()
	first := waitResult(t, sub)

	sub.Update(Request{URI: " https://a.test/same.png ", CacheKey: "same"})
	if current := sub.Current(); current.Loading || current.LocalReference != first.LocalReference {
		t.Fatalf("identical update should keep the settled state, got %+v", current)
	}

	_ = svc.Close()
	if dl.calls.Load() != 1 {
		t.Fatalf("identical update must not resolve again, got %d downloads", dl.calls.Load())
	}
}

func TestSubscriptionUpdateSupersedesPendingRequest(t *testing.T) {
	dl := &stubDownloader{gate: make(chan struct{})}
	svc, hook := newTestService(t, dl)
	first := "https://a.test/first.png"
	second := "https://a.test/second.png"

	sub := svc.Subscribe(Request{URI: first})
	defer sub.Close()
	sub.Update(Request{URI: second})

	if current := sub.Current(); !current.Loading || current.Key != EntryKey(second, "") {
		t.Fatalf("update should reset to loading for the new uri, got %+v", current)
	}

	close(dl.gate)
	result := waitResult(t, sub)
	if result.Key != EntryKey(second, "") {
		t.Fatalf("settled result should belong to the latest request, got %+v", result)
	}

	_ = svc.Close()
	if current := sub.Current(); current.Key != EntryKey(second, "") {
		t.Fatalf("superseded result must not overwrite state, got %+v", current)
	}
	if !hasLogEntry(hook, "stale_result_discarded") {
		t.Fatalf("expected stale_result_discarded log entry")
	}
}

func TestSubscriptionCloseDiscardsLateResult(t *testing.T) {
	dl := &stubDownloader{gate: make(chan struct{})}
	svc, _ := newTestService(t, dl)

	sub := svc.Subscribe(Request{URI: "https://a.test/late.png"})
	sub.Close()
	close(dl.gate)
	_ = svc.Close()

	if current := sub.Current(); !current.Loading {
		t.Fatalf("result arriving after close must be dropped, got %+v", current)
	}
	if _, err := sub.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("wait after close should report ErrClosed, got %v", err)
	}
	for range sub.Updates() {
	}
	sub.Update(Request{URI: "https://a.test/other.png"})
	if dl.calls.Load() != 1 {
		t.Fatalf("closed subscription must not start new work")
	}
}

func TestSubscriptionEmptyURISettlesImmediately(t *testing.T) {
	dl := &stubDownloader{}
	svc, _ := newTestService(t, dl)

	sub := svc.Subscribe(Request{})
	defer sub.Close()
	result := waitResult(t, sub)
	if result.Loading || result.LocalReference != "" || result.Source != SourceNone {
		t.Fatalf("empty uri should settle to nothing, got %+v", result)
	}
	if dl.calls.Load() != 0 {
		t.Fatalf("empty uri must not download")
	}
}

func TestSubscriptionFallsBackOnFailure(t *testing.T) {
	svc, _ := newTestService(t, &stubDownloader{err: errors.New("boom")})
	uri := "https://a.test/fail.png"

	sub := svc.Subscribe(Request{URI: uri})
	defer sub.Close()
	result := waitResult(t, sub)
	if result.LocalReference != uri || result.Err == nil || result.Loading {
		t.Fatalf("failure should settle to the original uri with an error, got %+v", result)
	}
}

func TestSubscribeAfterServiceClose(t *testing.T) {
	svc, _ := newTestService(t, &stubDownloader{})
	_ = svc.Close()

	uri := "https://a.test/closed.png"
	sub := svc.Subscribe(Request{URI: uri})
	defer sub.Close()
	result := waitResult(t, sub)
	if !errors.Is(result.Err, ErrClosed) || result.LocalReference != uri {
		t.Fatalf("subscribe on closed service should fall back, got %+v", result)
	}
}
