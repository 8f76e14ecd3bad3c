package browser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/chromedp/cdproto/input"
)

// keySpec carries the CDP key identity for one physical key: the DOM key
// value, the physical code, and the Windows virtual key code. text is what
// the key inserts when pressed without ctrl/alt/meta.
type keySpec struct {
	key     string
	code    string
	keyCode int64
	text    string
}

// namedKeys maps lowercase key names and their aliases to key specs. Models
// emit a loose vocabulary (Return, page_down, up_arrow, cmd) so aliases are
// deliberately generous.
var namedKeys = map[string]keySpec{
	"enter":     {"Enter", "Enter", 13, "\r"},
	"return":    {"Enter", "Enter", 13, "\r"},
	"tab":       {"Tab", "Tab", 9, ""},
	"escape":    {"Escape", "Escape", 27, ""},
	"esc":       {"Escape", "Escape", 27, ""},
	"space":     {" ", "Space", 32, " "},
	"spacebar":  {" ", "Space", 32, " "},
	"backspace": {"Backspace", "Backspace", 8, ""},
	"delete":    {"Delete", "Delete", 46, ""},
	"del":       {"Delete", "Delete", 46, ""},
	"insert":    {"Insert", "Insert", 45, ""},
	"home":      {"Home", "Home", 36, ""},
	"end":       {"End", "End", 35, ""},

	"pageup":    {"PageUp", "PageUp", 33, ""},
	"page_up":   {"PageUp", "PageUp", 33, ""},
	"pgup":      {"PageUp", "PageUp", 33, ""},
	"pagedown":  {"PageDown", "PageDown", 34, ""},
	"page_down": {"PageDown", "PageDown", 34, ""},
	"pgdn":      {"PageDown", "PageDown", 34, ""},

	"up":          {"ArrowUp", "ArrowUp", 38, ""},
	"arrowup":     {"ArrowUp", "ArrowUp", 38, ""},
	"up_arrow":    {"ArrowUp", "ArrowUp", 38, ""},
	"down":        {"ArrowDown", "ArrowDown", 40, ""},
	"arrowdown":   {"ArrowDown", "ArrowDown", 40, ""},
	"down_arrow":  {"ArrowDown", "ArrowDown", 40, ""},
	"left":        {"ArrowLeft", "ArrowLeft", 37, ""},
	"arrowleft":   {"ArrowLeft", "ArrowLeft", 37, ""},
	"left_arrow":  {"ArrowLeft", "ArrowLeft", 37, ""},
	"right":       {"ArrowRight", "ArrowRight", 39, ""},
	"arrowright":  {"ArrowRight", "ArrowRight", 39, ""},
	"right_arrow": {"ArrowRight", "ArrowRight", 39, ""},

	"f1":  {"F1", "F1", 112, ""},
	"f2":  {"F2", "F2", 113, ""},
	"f3":  {"F3", "F3", 114, ""},
	"f4":  {"F4", "F4", 115, ""},
	"f5":  {"F5", "F5", 116, ""},
	"f6":  {"F6", "F6", 117, ""},
	"f7":  {"F7", "F7", 118, ""},
	"f8":  {"F8", "F8", 119, ""},
	"f9":  {"F9", "F9", 120, ""},
	"f10": {"F10", "F10", 121, ""},
	"f11": {"F11", "F11", 122, ""},
	"f12": {"F12", "F12", 123, ""},

	// Pressing a modifier key on its own.
	"ctrl":    {"Control", "ControlLeft", 17, ""},
	"control": {"Control", "ControlLeft", 17, ""},
	"shift":   {"Shift", "ShiftLeft", 16, ""},
	"alt":     {"Alt", "AltLeft", 18, ""},
	"option":  {"Alt", "AltLeft", 18, ""},
	"opt":     {"Alt", "AltLeft", 18, ""},
	"meta":    {"Meta", "MetaLeft", 91, ""},
	"cmd":     {"Meta", "MetaLeft", 91, ""},
	"command": {"Meta", "MetaLeft", 91, ""},
	"super":   {"Meta", "MetaLeft", 91, ""},
	"win":     {"Meta", "MetaLeft", 91, ""},
}

// modifierBits maps modifier aliases to CDP modifier flags.
var modifierBits = map[string]input.Modifier{
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"shift":   input.ModifierShift,
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"opt":     input.ModifierAlt,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
	"super":   input.ModifierMeta,
	"win":     input.ModifierMeta,
}

// keyChord is a parsed key combo: held modifiers plus the main key.
type keyChord struct {
	modifiers input.Modifier
	heldKeys  []keySpec
	key       keySpec
}

// parseKeyCombo canonicalizes a case-insensitive "+"-separated combo like
// "ctrl+shift+T" or "Return" into a chord. A trailing "+" with an empty
// token means the literal plus key. Every token except the last must be a
// modifier; the last token may be a named key, a modifier key pressed alone,
// or a single printable character.
func parseKeyCombo(combo string) (keyChord, error) {
	var chord keyChord

	tokens := splitCombo(strings.TrimSpace(combo))
	if len(tokens) == 0 {
		return chord, fmt.Errorf("browser: empty key combo")
	}

	for i, tok := range tokens {
		last := i == len(tokens)-1
		lower := strings.ToLower(tok)

		if !last {
			bit, ok := modifierBits[lower]
			if !ok {
				return chord, fmt.Errorf("browser: %q in %q is not a modifier", tok, combo)
			}
			chord.modifiers |= bit
			chord.heldKeys = append(chord.heldKeys, namedKeys[lower])
			continue
		}

		if spec, ok := namedKeys[lower]; ok {
			chord.key = spec
			return chord, nil
		}
		spec, err := charKeySpec(tok)
		if err != nil {
			return chord, fmt.Errorf("browser: unknown key %q in %q", tok, combo)
		}
		chord.key = spec
		return chord, nil
	}

	return chord, fmt.Errorf("browser: empty key combo")
}

// splitCombo splits on "+" but keeps a bare "+" as its own token, so
// "ctrl++" presses ctrl and the plus key.
func splitCombo(combo string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range combo {
		if r == '+' && cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// charKeySpec builds a spec for a single printable character.
func charKeySpec(tok string) (keySpec, error) {
	runes := []rune(tok)
	if len(runes) != 1 || !unicode.IsPrint(runes[0]) || unicode.IsSpace(runes[0]) {
		return keySpec{}, fmt.Errorf("not a single printable character")
	}
	r := runes[0]

	spec := keySpec{key: string(r), text: string(r)}
	switch {
	case r >= 'a' && r <= 'z':
		spec.code = "Key" + strings.ToUpper(string(r))
		spec.keyCode = int64(unicode.ToUpper(r))
	case r >= 'A' && r <= 'Z':
		spec.code = "Key" + string(r)
		spec.keyCode = int64(r)
	case r >= '0' && r <= '9':
		spec.code = "Digit" + string(r)
		spec.keyCode = int64(r)
	default:
		// Punctuation: key value and text are enough for Chrome to route
		// the event; code and keyCode stay zero.
	}
	return spec, nil
}

// tasks renders the chord as CDP key events: modifiers down in order, the
// main key down/up with modifier bits applied, modifiers up in reverse.
func (c keyChord) tasks() []*input.DispatchKeyEventParams {
	events := make([]*input.DispatchKeyEventParams, 0, 2*len(c.heldKeys)+2)

	var held input.Modifier
	for _, spec := range c.heldKeys {
		held |= modifierBits[strings.ToLower(spec.key)]
		events = append(events, keyEvent(input.KeyDown, spec, held, false))
	}

	withText := c.key.text != "" && c.modifiers&(input.ModifierCtrl|input.ModifierAlt|input.ModifierMeta) == 0
	events = append(events, keyEvent(input.KeyDown, c.key, c.modifiers, withText))
	events = append(events, keyEvent(input.KeyUp, c.key, c.modifiers, false))

	for i := len(c.heldKeys) - 1; i >= 0; i-- {
		spec := c.heldKeys[i]
		held &^= modifierBits[strings.ToLower(spec.key)]
		events = append(events, keyEvent(input.KeyUp, spec, held, false))
	}
	return events
}

func keyEvent(typ input.KeyType, spec keySpec, mods input.Modifier, withText bool) *input.DispatchKeyEventParams {
	ev := input.DispatchKeyEvent(typ).
		WithKey(spec.key).
		WithModifiers(mods)
	if spec.code != "" {
		ev = ev.WithCode(spec.code)
	}
	if spec.keyCode != 0 {
		ev = ev.WithWindowsVirtualKeyCode(spec.keyCode)
	}
	if withText {
		ev = ev.WithText(spec.text).WithUnmodifiedText(spec.text)
	}
	return ev
}
