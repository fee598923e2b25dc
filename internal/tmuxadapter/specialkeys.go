package tmuxadapter

import "strings"

// canonicalKeys lists the special key tokens tmux accepts on a send-keys
// command line.
var canonicalKeys = map[string]bool{
	"Enter": true, "Escape": true, "Tab": true, "Space": true,
	"BSpace": true, "DC": true,
	"C-c": true, "C-d": true, "C-z": true, "C-l": true, "C-a": true,
	"C-e": true, "C-k": true, "C-u": true, "C-w": true, "C-r": true,
	"Up": true, "Down": true, "Left": true, "Right": true,
	"Home": true, "End": true, "PPage": true, "NPage": true,
	"F1": true, "F2": true, "F3": true, "F4": true, "F5": true, "F6": true,
	"F7": true, "F8": true, "F9": true, "F10": true, "F11": true, "F12": true,
}

// aliases maps case-insensitive alternate spellings to their canonical
// tmux key token.
var aliases = map[string]string{
	"enter": "Enter", "return": "Enter", "cr": "Enter",
	"esc": "Escape", "escape": "Escape",
	"backspace": "BSpace", "bs": "BSpace", "bspace": "BSpace",
	"del": "DC", "delete": "DC", "dc": "DC",
	"tab": "Tab", "space": "Space",
	"ctrl_c": "C-c", "c_c": "C-c", "ctrlc": "C-c", "c-c": "C-c",
	"ctrl_d": "C-d", "c_d": "C-d", "ctrld": "C-d", "c-d": "C-d",
	"ctrl_z": "C-z", "c_z": "C-z", "ctrlz": "C-z", "c-z": "C-z",
	"ctrl_l": "C-l", "c-l": "C-l",
	"ctrl_a": "C-a", "c-a": "C-a",
	"ctrl_e": "C-e", "c-e": "C-e",
	"ctrl_k": "C-k", "c-k": "C-k",
	"ctrl_u": "C-u", "c-u": "C-u",
	"ctrl_w": "C-w", "c-w": "C-w",
	"ctrl_r": "C-r", "c-r": "C-r",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"home": "Home", "end": "End",
	"pgup": "PPage", "ppage": "PPage", "pageup": "PPage",
	"pgdn": "NPage", "npage": "NPage", "pagedown": "NPage",
	"f1": "F1", "f2": "F2", "f3": "F3", "f4": "F4", "f5": "F5", "f6": "F6",
	"f7": "F7", "f8": "F8", "f9": "F9", "f10": "F10", "f11": "F11", "f12": "F12",
}

// ResolveKey maps a user-supplied key name to its canonical tmux token.
// Resolution is case-insensitive and accepts common aliases. Returns
// ("", false) if the name is not recognized.
func ResolveKey(name string) (string, bool) {
	if canonicalKeys[name] {
		return name, true
	}
	if canon, ok := aliases[strings.ToLower(name)]; ok {
		return canon, true
	}
	return "", false
}
