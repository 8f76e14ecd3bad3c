package sessions

// ActionKind is one computer-use action the manager can dispatch.
type ActionKind string

const (
	ActionLeftClick      ActionKind = "left_click"
	ActionRightClick     ActionKind = "right_click"
	ActionDoubleClick    ActionKind = "double_click"
	ActionMouseMove      ActionKind = "mouse_move"
	ActionScroll         ActionKind = "scroll"
	ActionType           ActionKind = "type"
	ActionKey            ActionKind = "key"
	ActionWait           ActionKind = "wait"
	ActionCursorPosition ActionKind = "cursor_position"
	ActionScreenshot     ActionKind = "screenshot"
)

// Action is one typed input action. Field names follow the computer-use
// tool's JSON vocabulary so tool input decodes straight into it.
type Action struct {
	Kind            ActionKind `json:"action"`
	Coordinate      []int      `json:"coordinate,omitempty"`
	Text            string     `json:"text,omitempty"`
	ScrollDirection string     `json:"scroll_direction,omitempty"`
	ScrollAmount    int        `json:"scroll_amount,omitempty"`
	// Duration is in seconds, as the model sends it; DurationMS is the
	// millisecond fallback some callers use.
	Duration   float64 `json:"duration,omitempty"`
	DurationMS int     `json:"duration_ms,omitempty"`
}

// ActionResult is what a dispatched action produced.
type ActionResult struct {
	// Output is a short human-readable confirmation for the model.
	Output string
	// Screenshot is PNG bytes when the action captured one.
	Screenshot []byte
	// X, Y are the cursor position for cursor_position.
	X, Y int
}
