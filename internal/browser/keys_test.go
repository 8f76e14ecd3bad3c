package browser

import (
	"testing"

	"github.com/chromedp/cdproto/input"
)

func TestParseKeyComboNamedKeys(t *testing.T) {
	tests := []struct {
		combo   string
		wantKey string
		wantVK  int64
	}{
		{"Return", "Enter", 13},
		{"enter", "Enter", 13},
		{"Esc", "Escape", 27},
		{"escape", "Escape", 27},
		{"space", " ", 32},
		{"Tab", "Tab", 9},
		{"page_down", "PageDown", 34},
		{"PgUp", "PageUp", 33},
		{"up_arrow", "ArrowUp", 38},
		{"ArrowLeft", "ArrowLeft", 37},
		{"down", "ArrowDown", 40},
		{"F5", "F5", 116},
		{"f12", "F12", 123},
		{"Home", "Home", 36},
		{"del", "Delete", 46},
	}
	for _, tt := range tests {
		chord, err := parseKeyCombo(tt.combo)
		if err != nil {
			t.Errorf("parseKeyCombo(%q) error: %v", tt.combo, err)
			continue
		}
		if chord.key.key != tt.wantKey {
			t.Errorf("parseKeyCombo(%q).key = %q, want %q", tt.combo, chord.key.key, tt.wantKey)
		}
		if chord.key.keyCode != tt.wantVK {
			t.Errorf("parseKeyCombo(%q).keyCode = %d, want %d", tt.combo, chord.key.keyCode, tt.wantVK)
		}
		if chord.modifiers != 0 {
			t.Errorf("parseKeyCombo(%q).modifiers = %v, want none", tt.combo, chord.modifiers)
		}
	}
}

func TestParseKeyComboModifiers(t *testing.T) {
	tests := []struct {
		combo    string
		wantMods input.Modifier
		wantKey  string
	}{
		{"ctrl+a", input.ModifierCtrl, "a"},
		{"Control+C", input.ModifierCtrl, "C"},
		{"CMD+Shift+P", input.ModifierMeta | input.ModifierShift, "P"},
		{"meta+l", input.ModifierMeta, "l"},
		{"super+Left", input.ModifierMeta, "ArrowLeft"},
		{"alt+Tab", input.ModifierAlt, "Tab"},
		{"option+space", input.ModifierAlt, " "},
		{"ctrl+shift+Return", input.ModifierCtrl | input.ModifierShift, "Enter"},
	}
	for _, tt := range tests {
		chord, err := parseKeyCombo(tt.combo)
		if err != nil {
			t.Errorf("parseKeyCombo(%q) error: %v", tt.combo, err)
			continue
		}
		if chord.modifiers != tt.wantMods {
			t.Errorf("parseKeyCombo(%q).modifiers = %v, want %v", tt.combo, chord.modifiers, tt.wantMods)
		}
		if chord.key.key != tt.wantKey {
			t.Errorf("parseKeyCombo(%q).key = %q, want %q", tt.combo, chord.key.key, tt.wantKey)
		}
	}
}

func TestParseKeyComboSingleChars(t *testing.T) {
	chord, err := parseKeyCombo("7")
	if err != nil {
		t.Fatalf("parseKeyCombo(7): %v", err)
	}
	if chord.key.code != "Digit7" || chord.key.keyCode != '7' {
		t.Errorf("digit spec = %+v", chord.key)
	}

	chord, err = parseKeyCombo("ctrl+z")
	if err != nil {
		t.Fatalf("parseKeyCombo(ctrl+z): %v", err)
	}
	if chord.key.code != "KeyZ" || chord.key.keyCode != 'Z' {
		t.Errorf("letter spec = %+v", chord.key)
	}
}

func TestParseKeyComboLiteralPlus(t *testing.T) {
	chord, err := parseKeyCombo("+")
	if err != nil {
		t.Fatalf("parseKeyCombo(+): %v", err)
	}
	if chord.key.key != "+" {
		t.Errorf("key = %q, want +", chord.key.key)
	}

	chord, err = parseKeyCombo("ctrl++")
	if err != nil {
		t.Fatalf("parseKeyCombo(ctrl++): %v", err)
	}
	if chord.modifiers != input.ModifierCtrl || chord.key.key != "+" {
		t.Errorf("chord = mods %v key %q, want ctrl and +", chord.modifiers, chord.key.key)
	}
}

func TestParseKeyComboModifierAlone(t *testing.T) {
	chord, err := parseKeyCombo("shift")
	if err != nil {
		t.Fatalf("parseKeyCombo(shift): %v", err)
	}
	if chord.modifiers != 0 {
		t.Errorf("modifiers = %v, want none for a bare modifier press", chord.modifiers)
	}
	if chord.key.key != "Shift" {
		t.Errorf("key = %q, want Shift", chord.key.key)
	}
}

func TestParseKeyComboErrors(t *testing.T) {
	for _, combo := range []string{"", "   ", "bogus+a", "ctrl+bogus", "ctrl+enter+a"} {
		if _, err := parseKeyCombo(combo); err == nil {
			t.Errorf("parseKeyCombo(%q) expected error", combo)
		}
	}
}

func TestChordTasksShape(t *testing.T) {
	chord, err := parseKeyCombo("ctrl+a")
	if err != nil {
		t.Fatal(err)
	}
	events := chord.tasks()
	if len(events) != 4 {
		t.Fatalf("ctrl+a produced %d events, want 4", len(events))
	}
	if events[0].Type != input.KeyDown || events[0].Key != "Control" {
		t.Errorf("event[0] = %s %s, want keyDown Control", events[0].Type, events[0].Key)
	}
	if events[1].Key != "a" || events[1].Modifiers != input.ModifierCtrl {
		t.Errorf("event[1] = key %s mods %v", events[1].Key, events[1].Modifiers)
	}
	// Text is suppressed while ctrl is held.
	if events[1].Text != "" {
		t.Errorf("event[1].Text = %q, want empty under ctrl", events[1].Text)
	}
	if events[3].Type != input.KeyUp || events[3].Key != "Control" {
		t.Errorf("event[3] = %s %s, want keyUp Control", events[3].Type, events[3].Key)
	}
}

func TestChordTasksBareKeyCarriesText(t *testing.T) {
	chord, err := parseKeyCombo("a")
	if err != nil {
		t.Fatal(err)
	}
	events := chord.tasks()
	if len(events) != 2 {
		t.Fatalf("bare key produced %d events, want 2", len(events))
	}
	if events[0].Text != "a" {
		t.Errorf("keyDown text = %q, want a", events[0].Text)
	}

	chord, err = parseKeyCombo("Return")
	if err != nil {
		t.Fatal(err)
	}
	events = chord.tasks()
	if events[0].Text != "\r" {
		t.Errorf("Return keyDown text = %q, want \\r", events[0].Text)
	}

	// Shift does not suppress text.
	chord, err = parseKeyCombo("shift+a")
	if err != nil {
		t.Fatal(err)
	}
	events = chord.tasks()
	if events[1].Text != "a" {
		t.Errorf("shift+a keyDown text = %q, want a", events[1].Text)
	}
}
