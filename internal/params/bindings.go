package params

import (
	"fmt"
	"strings"
)

// Action names one bindable rig actuation.
type Action string

const (
	ActionForward  Action = "forward"
	ActionBackward Action = "backward"
	ActionLeft     Action = "left"
	ActionRight    Action = "right"
	ActionBrake    Action = "brake"
	ActionReset    Action = "reset"
)

// Actions lists every action in the order the control panel presents them.
var Actions = []Action{ActionForward, ActionBackward, ActionLeft, ActionRight, ActionBrake, ActionReset}

// SpaceKey is the symbol browsers report for the space bar.
const SpaceKey = " "

// KeySet binds each action to one key symbol. The empty symbol marks an unused binding.
type KeySet struct {
	Forward  string `json:"forward"`
	Backward string `json:"backward"`
	Left     string `json:"left"`
	Right    string `json:"right"`
	Brake    string `json:"brake"`
	Reset    string `json:"reset"`
}

// Key returns the symbol bound to the action.
func (k KeySet) Key(action Action) string {
	switch action {
	case ActionForward:
		return k.Forward
	case ActionBackward:
		return k.Backward
	case ActionLeft:
		return k.Left
	case ActionRight:
		return k.Right
	case ActionBrake:
		return k.Brake
	case ActionReset:
		return k.Reset
	}
	return ""
}

func (k *KeySet) slot(action Action) *string {
	switch action {
	case ActionForward:
		return &k.Forward
	case ActionBackward:
		return &k.Backward
	case ActionLeft:
		return &k.Left
	case ActionRight:
		return &k.Right
	case ActionBrake:
		return &k.Brake
	case ActionReset:
		return &k.Reset
	}
	return nil
}

// Bindings holds the primary and secondary key sets; either satisfies an action.
type Bindings struct {
	Primary   KeySet `json:"primary"`
	Secondary KeySet `json:"secondary"`
}

// DefaultBindings returns WASD on the primary set and the arrow keys on the secondary set.
func DefaultBindings() Bindings {
	return Bindings{
		Primary: KeySet{
			Forward:  "w",
			Backward: "s",
			Left:     "a",
			Right:    "d",
			Brake:    SpaceKey,
			Reset:    "r",
		},
		Secondary: KeySet{
			Forward:  "arrowup",
			Backward: "arrowdown",
			Left:     "arrowleft",
			Right:    "arrowright",
			Brake:    SpaceKey,
			Reset:    "r",
		},
	}
}

// Matches reports whether key is bound to the action in either set.
func (b Bindings) Matches(action Action, key string) bool {
	if key == "" {
		return false
	}
	return b.Primary.Key(action) == key || b.Secondary.Key(action) == key
}

// Validate checks that every bound symbol is controllable.
func (b Bindings) Validate() error {
	for _, set := range []struct {
		name string
		keys KeySet
	}{{"primary", b.Primary}, {"secondary", b.Secondary}} {
		for _, action := range Actions {
			key := set.keys.Key(action)
			if key == "" {
				continue
			}
			if _, err := NormalizeKey(key); err != nil {
				return fmt.Errorf("controls.%s.%s: %w", set.name, action, err)
			}
		}
	}
	return nil
}

var controllableKeys = func() map[string]struct{} {
	keys := map[string]struct{}{}
	for _, key := range ControllableKeys() {
		keys[key] = struct{}{}
	}
	return keys
}()

// ControllableKeys lists every symbol a binding may use, in panel order.
func ControllableKeys() []string {
	keys := []string{SpaceKey}
	for c := 'a'; c <= 'z'; c++ {
		keys = append(keys, string(c))
	}
	for c := '0'; c <= '9'; c++ {
		keys = append(keys, string(c))
	}
	return append(keys, "arrowup", "arrowdown", "arrowleft", "arrowright", "control", "alt", "shift", "meta", "tab")
}

// CanonicalKey lower-cases an incoming key event symbol without validating it.
// Whitespace-only symbols and the "space" alias collapse to SpaceKey.
func CanonicalKey(key string) string {
	if key == "" {
		return ""
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return SpaceKey
	}
	lowered := strings.ToLower(trimmed)
	if lowered == "space" || lowered == "spacebar" {
		return SpaceKey
	}
	return lowered
}

// NormalizeKey canonicalises a key symbol and rejects symbols outside the
// controllable set. The empty symbol passes through as an unused binding.
func NormalizeKey(key string) (string, error) {
	normalized := CanonicalKey(key)
	if normalized == "" {
		return "", nil
	}
	if _, ok := controllableKeys[normalized]; !ok {
		return "", fmt.Errorf("%w: key symbol %q is not controllable", ErrInvalidParameter, key)
	}
	return normalized, nil
}
