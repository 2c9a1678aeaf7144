package actions

import (
	"strings"
	"unicode"
)

// KeyDefinition is the key/code/virtual-key-code triple dispatched for one
// keyboard key.
type KeyDefinition struct {
	Key                   string
	Code                  string
	WindowsVirtualKeyCode int
}

var namedKeys = map[string]KeyDefinition{
	"enter":      {Key: "Enter", Code: "Enter", WindowsVirtualKeyCode: 13},
	"return":     {Key: "Enter", Code: "Enter", WindowsVirtualKeyCode: 13},
	"tab":        {Key: "Tab", Code: "Tab", WindowsVirtualKeyCode: 9},
	"escape":     {Key: "Escape", Code: "Escape", WindowsVirtualKeyCode: 27},
	"esc":        {Key: "Escape", Code: "Escape", WindowsVirtualKeyCode: 27},
	"space":      {Key: " ", Code: "Space", WindowsVirtualKeyCode: 32},
	"spacebar":   {Key: " ", Code: "Space", WindowsVirtualKeyCode: 32},
	" ":          {Key: " ", Code: "Space", WindowsVirtualKeyCode: 32},
	"backspace":  {Key: "Backspace", Code: "Backspace", WindowsVirtualKeyCode: 8},
	"delete":     {Key: "Delete", Code: "Delete", WindowsVirtualKeyCode: 46},
	"del":        {Key: "Delete", Code: "Delete", WindowsVirtualKeyCode: 46},
	"arrowleft":  {Key: "ArrowLeft", Code: "ArrowLeft", WindowsVirtualKeyCode: 37},
	"left":       {Key: "ArrowLeft", Code: "ArrowLeft", WindowsVirtualKeyCode: 37},
	"arrowup":    {Key: "ArrowUp", Code: "ArrowUp", WindowsVirtualKeyCode: 38},
	"up":         {Key: "ArrowUp", Code: "ArrowUp", WindowsVirtualKeyCode: 38},
	"arrowright": {Key: "ArrowRight", Code: "ArrowRight", WindowsVirtualKeyCode: 39},
	"right":      {Key: "ArrowRight", Code: "ArrowRight", WindowsVirtualKeyCode: 39},
	"arrowdown":  {Key: "ArrowDown", Code: "ArrowDown", WindowsVirtualKeyCode: 40},
	"down":       {Key: "ArrowDown", Code: "ArrowDown", WindowsVirtualKeyCode: 40},
}

// NormalizeKey maps a human-readable key name to its dispatch triple. The
// name is trimmed and case-insensitive; blank means Enter. Single letters
// and digits get their Key<L>/Digit<D> codes; anything unrecognized passes
// through with a zero virtual key code.
func NormalizeKey(name string) KeyDefinition {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return namedKeys["enter"]
	}
	if def, ok := namedKeys[strings.ToLower(trimmed)]; ok {
		return def
	}

	runes := []rune(trimmed)
	if len(runes) == 1 && unicode.IsPrint(runes[0]) {
		r := runes[0]
		switch {
		case r >= 'a' && r <= 'z':
			upper := unicode.ToUpper(r)
			return KeyDefinition{Key: trimmed, Code: "Key" + string(upper), WindowsVirtualKeyCode: int(upper)}
		case r >= 'A' && r <= 'Z':
			return KeyDefinition{Key: trimmed, Code: "Key" + string(r), WindowsVirtualKeyCode: int(r)}
		case r >= '0' && r <= '9':
			return KeyDefinition{Key: trimmed, Code: "Digit" + string(r), WindowsVirtualKeyCode: int(r)}
		}
		return KeyDefinition{Key: trimmed}
	}
	return KeyDefinition{Key: trimmed}
}

// producesText reports whether a key press should also carry a text payload
// so inputs receive the character.
func (k KeyDefinition) producesText() (string, bool) {
	if k.Key == "Enter" {
		return "\r", true
	}
	if len([]rune(k.Key)) == 1 {
		return k.Key, true
	}
	return "", false
}
