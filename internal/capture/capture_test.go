package capture

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func readRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Failed to parse request: %v", err)
	}
	return req
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		matched  bool
	}{
		{
			name: "Gacha log request",
			raw: "GET /event/gacha_info/api/getGachaLog?authkey=ABC&gacha_id=1 HTTP/1.1\r\n" +
				"Host: hk4e-api-os.mihoyo.com\r\n\r\n",
			expected: "https://hk4e-api-os.mihoyo.com/event/gacha_info/api/getGachaLog?authkey=ABC&gacha_id=1",
			matched:  true,
		},
		{
			name: "Query kept verbatim",
			raw: "GET /event/gacha_info/api/getGachaLog?authkey=a%2Fb%3D%3D&lang=zh-cn HTTP/1.1\r\n" +
				"Host: hk4e-api.mihoyo.com\r\n\r\n",
			expected: "https://hk4e-api.mihoyo.com/event/gacha_info/api/getGachaLog?authkey=a%2Fb%3D%3D&lang=zh-cn",
			matched:  true,
		},
		{
			name:    "Other endpoint",
			raw:     "GET /event/gacha_info/api/getConfigList?authkey=ABC HTTP/1.1\r\nHost: hk4e-api.mihoyo.com\r\n\r\n",
			matched: false,
		},
		{
			name:    "Suffix only in query",
			raw:     "GET /index?next=getGachaLog HTTP/1.1\r\nHost: hk4e-api.mihoyo.com\r\n\r\n",
			matched: false,
		},
		{
			name:    "Suffix followed by slash",
			raw:     "GET /api/getGachaLog/ HTTP/1.1\r\nHost: hk4e-api.mihoyo.com\r\n\r\n",
			matched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Sniff(readRequest(t, tt.raw))
			if ok != tt.matched {
				t.Fatalf("Sniff matched = %t, want %t", ok, tt.matched)
			}
			if got != tt.expected {
				t.Errorf("Sniff() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSniffAfterRewrite(t *testing.T) {
	req := readRequest(t, "GET /api/getGachaLog?x=1 HTTP/1.1\r\nHost: hk4e-api.mihoyo.com\r\n\r\n")
	req.URL.Scheme = "https"
	req.URL.Host = req.Host

	got, ok := Sniff(req)
	if !ok || got != "https://hk4e-api.mihoyo.com/api/getGachaLog?x=1" {
		t.Errorf("Sniff() = %q, %t", got, ok)
	}
}

func TestSniffWithoutHost(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/api/getGachaLog", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Sniff(req); ok {
		t.Error("Expected no capture without a Host")
	}
	if _, ok := Sniff(nil); ok {
		t.Error("Expected no capture for nil request")
	}
}

func TestChannelDeliversFirstValue(t *testing.T) {
	ch := NewChannel(2)

	if !ch.Offer("first") {
		t.Fatal("Expected first offer to be accepted")
	}
	ch.Offer("second")

	url, err := ch.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if url != "first" {
		t.Errorf("Expected first URL, got %q", url)
	}
}

func TestChannelOfferNeverBlocks(t *testing.T) {
	ch := NewChannel(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			ch.Offer("url")
		}
		ch.Close()
		ch.Close()
		// Offers after close must not panic
		for i := 0; i < 10; i++ {
			if ch.Offer("late") {
				t.Error("Expected offer after close to be rejected")
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Offer blocked")
	}

	stats := ch.GetStats()
	if stats.Offered != 1 {
		t.Errorf("Expected 1 accepted offer, got %d", stats.Offered)
	}
	if stats.Dropped != 109 {
		t.Errorf("Expected 109 dropped offers, got %d", stats.Dropped)
	}

	// Buffered value survives Close
	url, err := ch.Receive(context.Background())
	if err != nil || url != "url" {
		t.Errorf("Expected buffered URL after close, got %q, %v", url, err)
	}
	if _, err := ch.Receive(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}

func TestChannelConcurrentProducers(t *testing.T) {
	ch := NewChannel(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Offer("url")
		}()
	}

	// Close races with producers
	ch.Close()
	wg.Wait()

	stats := ch.GetStats()
	if stats.Offered+stats.Dropped != 50 {
		t.Errorf("Expected 50 offers in total, got %+v", stats)
	}
	if stats.Offered > DefaultQueueSize {
		t.Errorf("Accepted more offers than the buffer holds: %d", stats.Offered)
	}
}

func TestChannelReceiveContext(t *testing.T) {
	ch := NewChannel(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
