package internal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mama165/sdk-go/database"
)

// Namespaces of the badger key space, longest prefix first where they overlap.
var namespaces = []struct {
	prefix string
	name   string
}{
	{"notif:pending:", "NOTIFICATION"},
	{"notif:processing:", "NOTIFICATION"},
	{"notif:dead:", "DEAD_LETTER"},
	{"msgid:", "LOCATOR"},
	{"msg:", "MESSAGE"},
	{"seq:", "SEQUENCE"},
	{"edit:", "EDIT"},
	{"receipt:", "RECEIPT"},
	{"reaction:", "REACTION"},
	{"expiry:", "EXPIRY"},
	{"room:", "ROOM"},
	{"dm:", "DIRECT"},
	{"member:", "MEMBER"},
	{"rooms-of:", "ROOMS_OF"},
	{"mute:", "MUTE"},
}

// Namespace names the kind of row stored under key.
func Namespace(key string) string {
	for _, ns := range namespaces {
		if strings.HasPrefix(key, ns.prefix) {
			return ns.name
		}
	}
	return "UNKNOWN"
}

// Summary renders a stored value on one line. JSON rows are summarized by their
// most telling fields, anything else is shown raw.
func Summary(val []byte) string {
	var row map[string]any
	if err := json.Unmarshal(val, &row); err != nil {
		return string(val)
	}
	var parts []string
	for _, field := range []string{"sender_id", "user_id", "recipient_id", "kind", "name", "role", "status", "content", "attempts", "last_error"} {
		if v, ok := row[field]; ok && v != "" && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", field, v))
		}
	}
	if len(parts) == 0 {
		return string(val)
	}
	return strings.Join(parts, " ")
}

// InspectMapper feeds the badger inspector with chat rows.
func InspectMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	row.Type = Namespace(key)
	row.Detail = Summary(val)
	return row
}
