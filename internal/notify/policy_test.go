package notify

import (
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/settings"
)

func TestDecide(t *testing.T) {
	long := strings.Repeat("a", 40) + strings.Repeat("b", 40)
	tests := []struct {
		name      string
		rec       settings.Record
		content   string
		want      Notification
		wantShown bool
	}{
		{"full", settings.Record{Enabled: true, RevealLevel: settings.RevealFull}, "Hello, world!", Notification{"Sender", "Hello, world!"}, true},
		{"partial short", settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, "short", Notification{"Sender", "short"}, true},
		{"partial exact 50", settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, strings.Repeat("x", 50), Notification{"Sender", strings.Repeat("x", 50)}, true},
		{"partial 80", settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, long, Notification{"Sender", long[:50] + "..."}, true},
		{"partial sentence", settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, "This is a very long message that should be truncated.", Notification{"Sender", "This is a very long message that should be trunca..."}, true},
		{"sender only", settings.Record{Enabled: true, RevealLevel: settings.RevealSenderOnly}, "secret", Notification{"Sender", "New message"}, true},
		{"none", settings.Record{Enabled: true, RevealLevel: settings.RevealNone}, "secret", Notification{"New message", ""}, true},
		{"unknown level", settings.Record{Enabled: true, RevealLevel: "loud"}, "secret", Notification{}, false},
		{"missing level", settings.Record{Enabled: true}, "secret", Notification{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, shown := Decide(tt.rec, "Sender", tt.content)
			if shown != tt.wantShown {
				t.Fatalf("shown = %v, want %v", shown, tt.wantShown)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecidePartialLength(t *testing.T) {
	content := strings.Repeat("0123456789", 8)
	got, ok := Decide(settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, "u2", content)
	if !ok {
		t.Fatal("partial should be shown")
	}
	if len(got.Body) != 53 {
		t.Errorf("body length = %d, want 53", len(got.Body))
	}
	if got.Body != content[:50]+"..." {
		t.Errorf("body = %q", got.Body)
	}
}

func TestDecidePartialCountsRunes(t *testing.T) {
	content := strings.Repeat("é", 60)
	got, _ := Decide(settings.Record{Enabled: true, RevealLevel: settings.RevealPartial}, "u2", content)
	if got.Body != strings.Repeat("é", 50)+"..." {
		t.Errorf("body = %q", got.Body)
	}
}

func TestDecideDisabledAlwaysSuppressed(t *testing.T) {
	levels := append([]settings.RevealLevel{"", "bogus"}, settings.Levels...)
	contents := []string{"", "hi", strings.Repeat("z", 200)}
	for _, lvl := range levels {
		for _, c := range contents {
			if n, ok := Decide(settings.Record{Enabled: false, RevealLevel: lvl}, "anyone", c); ok {
				t.Errorf("level %q content %q: got %+v, want suppressed", lvl, c, n)
			}
		}
	}
}
