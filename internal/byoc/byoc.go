// Package byoc holds the user records fetched from the Galaxy user directory
// and their "bring your own compute" Pulsar preferences.
package byoc

import (
	"fmt"
	"regexp"
)

// Prefix namespaces the BYOC Pulsar keys inside extra_user_preferences.
const Prefix = "byoc_pulsar|"

// ExtraPreferencesKey is the preference holding the JSON encoded extra user
// preferences form.
const ExtraPreferencesKey = "extra_user_preferences"

const (
	KeyUsername         = Prefix + "username"
	KeyPassword         = Prefix + "password"
	KeyMaxAcceptedCores = Prefix + "max_accepted_cores"
	KeyMaxAcceptedMem   = Prefix + "max_accepted_mem"
	KeyMinAcceptedGPUs  = Prefix + "min_accepted_gpus"
	KeyMaxAcceptedGPUs  = Prefix + "max_accepted_gpus"
)

var required = []string{
	KeyUsername,
	KeyMaxAcceptedCores,
	KeyMaxAcceptedMem,
	KeyMinAcceptedGPUs,
	KeyMaxAcceptedGPUs,
}

// Names end up in YAML keys, AMQP URLs and vhosts.
var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// UserRecord is an active, non-deleted account of the user directory.
type UserRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Entry is a user that configured a BYOC Pulsar endpoint. It only lives for
// the duration of a run and is the source of every generated fragment.
type Entry struct {
	ID       string
	Username string // Galaxy username.

	ByocUsername     string
	MaxAcceptedCores string
	MaxAcceptedMem   string
	MinAcceptedGPUs  string
	MaxAcceptedGPUs  string
	Password         string // Generated when the user did not set one.

	// Preferences holds every byoc_pulsar| key of the user, prefix included.
	Preferences map[string]string
}

// DestinationKey is the TPV destination name for the entry.
func (e *Entry) DestinationKey() string {
	return fmt.Sprintf("pulsar_%s_tpv", e.Username)
}

// QueueUser is the RabbitMQ user name for the entry.
func (e *Entry) QueueUser() string {
	return "galaxy_" + e.ByocUsername
}

// PluginID is the job runner plugin id for the entry.
func (e *Entry) PluginID() string {
	return "pulsar_eu_" + e.ByocUsername
}

// SecretKey is the vault variable holding the RabbitMQ password for the entry.
func (e *Entry) SecretKey() string {
	return "rabbitmq_password_galaxy_" + e.ByocUsername
}

// SecretRef is the Ansible template expression referencing SecretKey.
func (e *Entry) SecretRef() string {
	return "{{ " + e.SecretKey() + " }}"
}
