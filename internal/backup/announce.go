package backup

import (
	"encoding/json"
	"strings"
)

type tellraw struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// announcement renders the chat component sent with the announce command.
func announcement(prefix, msg string) string {
	text := msg
	if p := strings.TrimSpace(prefix); p != "" {
		text = p + " " + msg
	}
	b, _ := json.Marshal(tellraw{Text: text, Color: "blue"})
	return string(b)
}
