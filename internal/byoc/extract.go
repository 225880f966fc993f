package byoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
)

// ParseError reports a user whose preference payload could not be turned
// into an Entry.
type ParseError struct {
	UserID string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("user %s: invalid BYOC preferences: %v", e.UserID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Extract builds the Entry of user from its raw preference mapping. It
// returns nil without error when the user has no extra preferences or none of
// them belongs to the byoc_pulsar| namespace.
func Extract(user UserRecord, raw map[string]string) (*Entry, error) {
	extra, ok := raw[ExtraPreferencesKey]
	if !ok {
		return nil, nil
	}

	prefs, err := parseExtra(extra)
	if err != nil {
		return nil, &ParseError{UserID: user.ID, Err: err}
	}

	byoc := make(map[string]string)
	for k, v := range prefs {
		if strings.HasPrefix(k, Prefix) {
			byoc[k] = v
		}
	}
	if len(byoc) == 0 {
		return nil, nil
	}

	for _, k := range required {
		if byoc[k] == "" {
			return nil, &ParseError{UserID: user.ID, Err: fmt.Errorf("missing %q", k)}
		}
	}

	if !validName.MatchString(user.Username) {
		return nil, &ParseError{UserID: user.ID, Err: fmt.Errorf("username %q is not usable in a destination name", user.Username)}
	}
	if !validName.MatchString(byoc[KeyUsername]) {
		return nil, &ParseError{UserID: user.ID, Err: fmt.Errorf("%q value %q may only contain letters, digits, '.', '_' and '-'", KeyUsername, byoc[KeyUsername])}
	}

	return &Entry{
		ID:               user.ID,
		Username:         user.Username,
		ByocUsername:     byoc[KeyUsername],
		MaxAcceptedCores: byoc[KeyMaxAcceptedCores],
		MaxAcceptedMem:   byoc[KeyMaxAcceptedMem],
		MinAcceptedGPUs:  byoc[KeyMinAcceptedGPUs],
		MaxAcceptedGPUs:  byoc[KeyMaxAcceptedGPUs],
		Password:         byoc[KeyPassword],
		Preferences:      maps.Clone(byoc),
	}, nil
}

// parseExtra decodes the JSON object stored in extra_user_preferences. Non
// string values are kept in their JSON text form.
func parseExtra(s string) (map[string]string, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("extra preferences are not an object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the extra preferences object")
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case string:
			out[k] = v
		case json.Number:
			out[k] = v.String()
		case bool:
			out[k] = strconv.FormatBool(v)
		case nil:
			out[k] = ""
		default:
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(v); err != nil {
				return nil, err
			}
			out[k] = strings.TrimSpace(buf.String())
		}
	}
	return out, nil
}
