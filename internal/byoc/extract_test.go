package byoc

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var alice = UserRecord{ID: "f2db41e1fa331b3e", Username: "alice"}

func TestExtract(t *testing.T) {
	raw := map[string]string{
		"extra_user_preferences": `{
			"byoc_pulsar|username": "alice",
			"byoc_pulsar|max_accepted_cores": "4",
			"byoc_pulsar|max_accepted_mem": "8G",
			"byoc_pulsar|min_accepted_gpus": 0,
			"byoc_pulsar|max_accepted_gpus": 1,
			"other": "x"
		}`,
		"localization": "en",
	}

	entry, err := Extract(alice, raw)
	if err != nil {
		t.Fatal(err)
	}

	exp := &Entry{
		ID:               alice.ID,
		Username:         "alice",
		ByocUsername:     "alice",
		MaxAcceptedCores: "4",
		MaxAcceptedMem:   "8G",
		MinAcceptedGPUs:  "0",
		MaxAcceptedGPUs:  "1",
		Preferences: map[string]string{
			"byoc_pulsar|username":           "alice",
			"byoc_pulsar|max_accepted_cores": "4",
			"byoc_pulsar|max_accepted_mem":   "8G",
			"byoc_pulsar|min_accepted_gpus":  "0",
			"byoc_pulsar|max_accepted_gpus":  "1",
		},
	}
	if diff := cmp.Diff(exp, entry); diff != "" {
		t.Fatalf("entry (-want +got):\n%s", diff)
	}

	if entry.DestinationKey() != "pulsar_alice_tpv" || entry.QueueUser() != "galaxy_alice" ||
		entry.PluginID() != "pulsar_eu_alice" || entry.SecretRef() != "{{ rabbitmq_password_galaxy_alice }}" {
		t.Fatalf("unexpected derived names for %+v", entry)
	}
}

func TestExtractNamespaceOnly(t *testing.T) {
	entry, err := Extract(alice, map[string]string{
		"extra_user_preferences": `{"byoc_pulsar|username": "alice", "other": "x"}`,
	})
	if entry != nil {
		t.Fatalf("expected no entry for incomplete preferences, got %+v", entry)
	}
	var perr *ParseError
	if !errors.As(err, &perr) || perr.UserID != alice.ID {
		t.Fatalf("expected ParseError for %s, got %v", alice.ID, err)
	}
	if !strings.Contains(err.Error(), "byoc_pulsar|max_accepted_cores") {
		t.Fatalf("expected the missing key to be named, got %q", err.Error())
	}
}

func TestExtractPassword(t *testing.T) {
	entry, err := Extract(alice, map[string]string{
		"extra_user_preferences": `{
			"byoc_pulsar|username": "alice_eu",
			"byoc_pulsar|password": "hunter2",
			"byoc_pulsar|max_accepted_cores": "4",
			"byoc_pulsar|max_accepted_mem": "8",
			"byoc_pulsar|min_accepted_gpus": "0",
			"byoc_pulsar|max_accepted_gpus": "0"
		}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Password != "hunter2" || entry.ByocUsername != "alice_eu" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Preferences["byoc_pulsar|password"] != "hunter2" {
		t.Fatal("expected the prefixed key to be retained")
	}
}

func TestExtractNone(t *testing.T) {
	tests := map[string]map[string]string{
		"no preferences":       nil,
		"no extra preferences": {"localization": "en"},
		"no byoc keys":         {"extra_user_preferences": `{"distributed_compute|remote_resources": "none"}`},
		"empty object":         {"extra_user_preferences": `{}`},
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			entry, err := Extract(alice, raw)
			if err != nil || entry != nil {
				t.Fatalf("expected (nil, nil), got (%v, %v)", entry, err)
			}
		})
	}
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name  string
		user  UserRecord
		extra string
	}{
		{
			name:  "malformed json",
			user:  alice,
			extra: `{"byoc_pulsar|username": "alice"`,
		},
		{
			name: "trailing data",
			user: alice,
			extra: `{"byoc_pulsar|username": "alice", "byoc_pulsar|max_accepted_cores": "1",
				"byoc_pulsar|max_accepted_mem": "1", "byoc_pulsar|min_accepted_gpus": "0", "byoc_pulsar|max_accepted_gpus": "0"} }garbage`,
		},
		{
			name:  "not an object",
			user:  alice,
			extra: `null`,
		},
		{
			name: "unsafe byoc username",
			user: alice,
			extra: `{"byoc_pulsar|username": "alice@evil:1/x", "byoc_pulsar|max_accepted_cores": "1",
				"byoc_pulsar|max_accepted_mem": "1", "byoc_pulsar|min_accepted_gpus": "0", "byoc_pulsar|max_accepted_gpus": "0"}`,
		},
		{
			name: "unsafe galaxy username",
			user: UserRecord{ID: "1", Username: "a b"},
			extra: `{"byoc_pulsar|username": "ab", "byoc_pulsar|max_accepted_cores": "1",
				"byoc_pulsar|max_accepted_mem": "1", "byoc_pulsar|min_accepted_gpus": "0", "byoc_pulsar|max_accepted_gpus": "0"}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Extract(tc.user, map[string]string{ExtraPreferencesKey: tc.extra})
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.UserID != tc.user.ID || !strings.Contains(err.Error(), tc.user.ID) {
				t.Fatalf("expected error to name user %s, got %q", tc.user.ID, err.Error())
			}
		})
	}
}
