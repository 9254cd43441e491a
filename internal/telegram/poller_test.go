package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoller_DispatchesAndAdvancesOffset(t *testing.T) {
	var polls atomic.Int64
	var secondOffset atomic.Int64

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var request map[string]any
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request: %v", err)
		}
		switch polls.Add(1) {
		case 1:
			w.Write([]byte(`{"ok":true,"result":[
				{"update_id":10,"message":{"message_id":1,"from":{"id":100},"chat":{"id":100,"type":"private"},"text":"a","date":1}},
				{"update_id":11,"message":{"message_id":2,"from":{"id":100},"chat":{"id":100,"type":"private"},"text":"b","date":1}}
			]}`))
		default:
			secondOffset.Store(int64(request["offset"].(float64)))
			w.Write([]byte(`{"ok":true,"result":[]}`))
		}
	})

	received := make(chan *Update, 8)
	handler := func(_ context.Context, update *Update) {
		received <- update
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := NewPoller(client, 10*time.Millisecond, handler, nil)
	done := make(chan struct{})
	go func() {
		_ = poller.Run(ctx)
		close(done)
	}()

	got := map[int64]bool{}
	for len(got) < 2 {
		select {
		case update := <-received:
			got[update.UpdateID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for updates, got %v", got)
		}
	}
	if !got[10] || !got[11] {
		t.Errorf("Expected updates 10 and 11, got %v", got)
	}

	// The next poll must ask for updates after the last delivered one.
	deadline := time.Now().Add(2 * time.Second)
	for secondOffset.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if offset := secondOffset.Load(); offset != 12 {
		t.Errorf("Expected next offset 12, got %d", offset)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Poller did not stop on context cancellation")
	}
}

func TestPoller_RetryIntervalHonorsRetryAfter(t *testing.T) {
	poller := NewPoller(nil, time.Second, nil, nil)
	retry := poller.newRetryBackoff()

	apiErr := &APIError{Code: 429, Description: "Too Many Requests", RetryAfter: 7 * time.Second}
	if wait := poller.retryInterval(retry, apiErr); wait != 7*time.Second {
		t.Errorf("Expected 7s from retry_after, got %v", wait)
	}

	if wait := poller.retryInterval(retry, context.DeadlineExceeded); wait <= 0 {
		t.Errorf("Expected positive backoff, got %v", wait)
	}
}
