package collab

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lucasb-eyer/go-colorful"
)

const unknownUser = "Unknown User"

var palette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#7986cb",
	"#a1887f", "#4fc3f7", "#aed581", "#ffd54f",
}

const goldenAngle = 137.50776405003785

// assignColor picks the first free palette color, then walks the hue circle
// by the golden angle once the palette is exhausted.
func assignColor(inUse map[string]struct{}) string {
	for _, color := range palette {
		if _, taken := inUse[color]; !taken {
			return color
		}
	}
	hue := 0.0
	for i := 0; i < 4096; i++ {
		hue = math.Mod(hue+goldenAngle, 360)
		color := colorful.Hsv(hue, 0.55, 0.85).Hex()
		if _, taken := inUse[color]; !taken {
			return color
		}
	}
	return palette[len(inUse)%len(palette)]
}

func describe(user User) (displayName, initials string) {
	first := strings.TrimSpace(user.FirstName)
	last := strings.TrimSpace(user.LastName)

	displayName = strings.TrimSpace(first + " " + last)
	initials = initial(first) + initial(last)
	if displayName != "" {
		return displayName, initials
	}

	local, _, _ := strings.Cut(strings.TrimSpace(user.Email), "@")
	if local == "" {
		return unknownUser, "?"
	}
	return local, initial(local)
}

func initial(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 || r == utf8.RuneError {
		return ""
	}
	return string(unicode.ToUpper(r))
}
