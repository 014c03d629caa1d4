package alerting

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testAlert() Alert {
	return Alert{
		Kind:   KindCollateralSlashed,
		At:     time.Unix(1_700_000_000, 0),
		Bidder: "0x1111111111111111111111111111111111111111",
		BidID:  "0xabc",
		Amount: big.NewInt(1_500_000_000_000_000_000), // 1.5
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, KindCollateralSlashed) {
		t.Fatalf("text 应包含告警类型: %q", text)
	}
	if !strings.Contains(text, "1.500000") {
		t.Fatalf("金额应按 18 位小数渲染: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("HTTP 502 应报错")
	}
}

func TestRenderMessageOmitsEmptyFields(t *testing.T) {
	msg := renderMessage(Alert{Kind: KindRateSourceUnhealthy, At: time.Unix(1_700_000_000, 0), Source: "collateral", ProbeErr: "stale"})
	if !strings.Contains(msg, "Source: collateral") || !strings.Contains(msg, "Error: stale") {
		t.Fatalf("应包含来源与错误: %q", msg)
	}
	if strings.Contains(msg, "Bidder:") || strings.Contains(msg, "Amount:") {
		t.Fatalf("空字段不应渲染: %q", msg)
	}
}
