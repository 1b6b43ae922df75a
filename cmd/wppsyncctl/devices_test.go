package main

import (
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/store"
)

func TestRenderQR(t *testing.T) {
	out := renderQR("2@abc,def,ghi")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) < 10 {
		t.Fatalf("QR has %d lines", len(lines))
	}
	width := len([]rune(lines[0]))
	for i, l := range lines {
		if n := len([]rune(l)); n != width {
			t.Errorf("line %d width = %d, want %d", i, n, width)
		}
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Error("no blocks drawn")
	}
}

func TestDeviceFromPayload(t *testing.T) {
	payload := map[string]any{
		"device_id": "sales",
		"to":        "connected",
		"device": map[string]any{
			"id":           "sales",
			"status":       "connected",
			"phone_number": "5511999990001",
		},
	}
	d, ok := deviceFromPayload(payload)
	if !ok {
		t.Fatal("device not decoded")
	}
	if d.ID != "sales" || d.Status != store.DeviceConnected || d.PhoneNumber != "5511999990001" {
		t.Errorf("device = %+v", d)
	}

	for _, p := range []any{nil, "sales", map[string]any{"device_id": "sales"}} {
		if _, ok := deviceFromPayload(p); ok {
			t.Errorf("deviceFromPayload(%v) ok", p)
		}
	}
}

func TestPreviewAndWhen(t *testing.T) {
	if got := preview("line one\nline two", 100); got != "line one line two" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("abcdefghij", 5); got != "abcd…" {
		t.Errorf("preview = %q", got)
	}
	if got := when(time.Time{}); got != "-" {
		t.Errorf("when(zero) = %q", got)
	}
	if got := when(time.Date(2020, 3, 4, 10, 0, 0, 0, time.Local)); got != "2020-03-04" {
		t.Errorf("when(old) = %q", got)
	}
}
