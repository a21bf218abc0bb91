package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxRawMessage bounds how much of a non-JSON body is surfaced as a message.
const maxRawMessage = 300

// validationEntry is one item of a 422 body's "detail" array.
type validationEntry struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// Translate turns a non-2xx response into an *Error. body is the raw response body.
func Translate(status int, body []byte) *Error {
	kind := KindForStatus(status)
	return New(kind, status, extractMessage(status, body))
}

// KindForStatus classifies an HTTP status. This mapping is what the request
// orchestrator relies on to decide about retries.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuth
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return KindServerError
	default:
		return KindUnknown
	}
}

func extractMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))

	var parsed struct {
		Detail json.RawMessage `json:"detail"`
	}
	if text != "" && json.Unmarshal([]byte(text), &parsed) == nil && len(parsed.Detail) > 0 {
		if status == http.StatusUnprocessableEntity {
			var entries []validationEntry
			if json.Unmarshal(parsed.Detail, &entries) == nil && len(entries) > 0 {
				return "Validation error: " + formatValidation(entries)
			}
		}
		var detail string
		if json.Unmarshal(parsed.Detail, &detail) == nil && detail != "" {
			return detail
		}
	}

	return rawMessage(status, text)
}

func formatValidation(entries []validationEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		field := joinLoc(e.Loc)
		if field == "" {
			parts = append(parts, e.Msg)
			continue
		}
		parts = append(parts, field+": "+e.Msg)
	}
	return strings.Join(parts, ", ")
}

// joinLoc renders a loc path such as ["body","players",0,"name"] as body.players.0.name.
func joinLoc(loc []any) string {
	segs := make([]string, 0, len(loc))
	for _, s := range loc {
		switch v := s.(type) {
		case string:
			segs = append(segs, v)
		case float64:
			segs = append(segs, fmt.Sprintf("%d", int64(v)))
		default:
			segs = append(segs, fmt.Sprint(v))
		}
	}
	return strings.Join(segs, ".")
}

func rawMessage(status int, text string) string {
	if text == "" || strings.HasPrefix(text, "<") {
		// blank or an HTML error page from a proxy
		return fmt.Sprintf("HTTP %d", status)
	}
	if len(text) > maxRawMessage {
		cut := maxRawMessage
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut] + "..."
	}
	return text
}
