package business

import "encoding/json"

// serverOnlyFields are stripped from the session object before persistence,
// per §4.7's saveSession: the upstream rejects these on replay.
var serverOnlyFields = []string{"object", "id", "expires_at"}

// cleanSessionUpdatedEvent implements §4.7's saveSession steps 1-2: it
// parses rawEvent, and if it is a "session.updated" event carrying a
// "session" object, strips the server-only fields, recursively removes
// null-valued fields, and serializes the resulting "session.update"
// envelope. ok is false (and envelope is unused) when rawEvent does not
// match that shape — the caller must treat this as a no-op, not an error.
func cleanSessionUpdatedEvent(rawEvent string) (envelope string, ok bool, err error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawEvent), &parsed); err != nil {
		return "", false, err
	}

	if t, _ := parsed["type"].(string); t != "session.updated" {
		return "", false, nil
	}
	sessionObj, present := parsed["session"].(map[string]any)
	if !present {
		return "", false, nil
	}

	for _, field := range serverOnlyFields {
		delete(sessionObj, field)
	}
	removeNulls(sessionObj)

	out := map[string]any{
		"type":    "session.update",
		"session": sessionObj,
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", false, err
	}
	return string(encoded), true, nil
}

// removeNulls recursively deletes keys whose value is JSON null from m and
// any nested objects.
func removeNulls(m map[string]any) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			removeNulls(val)
		case []any:
			for _, item := range val {
				if nested, ok := item.(map[string]any); ok {
					removeNulls(nested)
				}
			}
		}
	}
}
