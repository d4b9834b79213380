package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"geohub/core/events"
)

type received struct {
	eventType string
	delivery  string
	signature string
	body      []byte
}

// collector is an httptest webhook endpoint that can fail the first n
// deliveries.
type collector struct {
	mu       sync.Mutex
	failures int
	got      []received
	notify   chan struct{}
}

func newCollector(failures int) *collector {
	return &collector{failures: failures, notify: make(chan struct{}, 16)}
}

func (c *collector) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c.got = append(c.got, received{
		eventType: r.Header.Get("X-Geohub-Event"),
		delivery:  r.Header.Get("X-Geohub-Delivery"),
		signature: r.Header.Get("X-Geohub-Signature"),
		body:      body,
	})
	c.notify <- struct{}{}
	w.WriteHeader(http.StatusOK)
}

func (c *collector) wait(t *testing.T, n int) []received {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		count := len(c.got)
		c.mu.Unlock()
		if count >= n {
			break
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries, got %d", n, count)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.got...)
}

func TestDispatcherDeliversSignedEvents(t *testing.T) {
	col := newCollector(0)
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	secret := []byte("whsec-test")
	d, err := NewDispatcher(srv.URL, secret)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	evt := events.PaymentCommitted{
		TxID: "tx-1", From: "alice", To: "bob",
		Equivalent: "HOUR", Amount: "30",
		Routes:    [][]string{{"alice", "bob"}},
		Timestamp: time.Now().UTC(),
	}
	d.Emit(evt)

	got := col.wait(t, 1)[0]
	if got.eventType != events.TypePaymentCommitted {
		t.Fatalf("event header: %s", got.eventType)
	}
	if got.delivery == "" {
		t.Fatalf("delivery id missing")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(got.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got.signature != want {
		t.Fatalf("signature: %s, want %s", got.signature, want)
	}

	var envelope struct {
		Type       string                  `json:"type"`
		DeliveryID string                  `json:"delivery_id"`
		Event      events.PaymentCommitted `json:"event"`
	}
	if err := json.Unmarshal(got.body, &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Type != events.TypePaymentCommitted || envelope.DeliveryID != got.delivery {
		t.Fatalf("envelope: %+v", envelope)
	}
	if envelope.Event.TxID != "tx-1" || envelope.Event.Amount != "30" {
		t.Fatalf("event payload: %+v", envelope.Event)
	}
}

func TestDispatcherRetriesFailedDeliveries(t *testing.T) {
	col := newCollector(2)
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	d, err := NewDispatcher(srv.URL, []byte("whsec-test"),
		WithRetryPolicy(5, 10*time.Millisecond, 50*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	defer d.Close()

	d.Emit(events.PaymentAborted{
		TxID: "tx-2", From: "alice", To: "bob",
		Equivalent: "HOUR", Reason: "INSUFFICIENT_CAPACITY",
		Timestamp: time.Now().UTC(),
	})

	got := col.wait(t, 1)
	if len(got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(got))
	}
	if got[0].eventType != events.TypePaymentAborted {
		t.Fatalf("event header: %s", got[0].eventType)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	col := newCollector(100)
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	defer srv.Close()

	d, err := NewDispatcher(srv.URL, []byte("whsec-test"),
		WithRetryPolicy(2, 5*time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	d.Emit(events.TrustLineUpdated{From: "alice", To: "bob", Equivalent: "HOUR"})
	// Both attempts fail; Close drains the worker so the count is final.
	time.Sleep(100 * time.Millisecond)
	d.Close()

	col.mu.Lock()
	defer col.mu.Unlock()
	if len(col.got) != 0 {
		t.Fatalf("abandoned delivery arrived: %d", len(col.got))
	}
}

func TestDispatcherValidatesConfig(t *testing.T) {
	if _, err := NewDispatcher("", []byte("s")); err == nil {
		t.Fatalf("empty endpoint accepted")
	}
	if _, err := NewDispatcher("https://hooks.example.com", nil); err == nil {
		t.Fatalf("empty secret accepted")
	}
}
