package responder

import (
	"strings"
	"unicode/utf8"
)

// MaxReplyRunes is the longest reply Clean will return.
const MaxReplyRunes = 200

const ellipsis = "..."

// Longer escapes come first so a variation-selector pair is consumed whole.
var emojiReplacer = strings.NewReplacer(
	`\u2764\ufe0f`, "❤️",
	`\u2B50\ufe0f`, "⭐",
	`\u2763\ufe0f`, "❣️",
	`\U0001F618`, "😘",
	`\U0001F496`, "💖",
	`\U0001F60A`, "😊",
	`\U0001F497`, "💗",
	`\U0001F499`, "💙",
	`\U0001F49A`, "💚",
	`\U0001F49B`, "💛",
	`\U0001F49C`, "💜",
	`\U0001F49D`, "💝",
	`\U0001F49E`, "💞",
	`\U0001F49F`, "💟",
	`\U0001F63B`, "😻",
	`\U0001F60D`, "😍",
	`\U0001F617`, "😗",
	`\U0001F619`, "😙",
	`\U0001F61A`, "😚",
	`\U0001F9E1`, "🧡",
	`\U0001F5A4`, "🖤",
	`\U0001F90E`, "🤎",
	`\U0001F90D`, "🤍",
	`\u2764`, "❤️",
	`\u2B50`, "⭐",
	`\u2728`, "✨",
	`\u2763`, "❣️",
)

var markupReplacer = strings.NewReplacer(
	`"`, "",
	"\r\n", " ",
	"\n", " ",
	"\r", " ",
	`\n`, " ",
	"**", "",
	"__", "",
	"*", "",
	"_", "",
)

// Clean normalizes raw provider output for display. It removes quotes and
// markdown emphasis, flattens newlines, drops invalid UTF-8, restores escaped
// emoji and caps the length at MaxReplyRunes. Clean is idempotent.
func Clean(raw string) string {
	s := raw
	for {
		next := strings.ToValidUTF8(s, "")
		next = markupReplacer.Replace(next)
		next = emojiReplacer.Replace(next)
		if next == s {
			break
		}
		s = next
	}
	s = strings.TrimSpace(s)
	return truncateRunes(s, MaxReplyRunes)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - len(ellipsis)
	i := 0
	for pos := range s {
		if i == keep {
			return s[:pos] + ellipsis
		}
		i++
	}
	return s
}
