// Package reconcile makes sure every BYOC entry has its TPV destination,
// RabbitMQ user and Pulsar job runner plugin. Existing content is never
// modified or removed; missing entries are appended in input order.
package reconcile

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/usegalaxy-eu/byoc-sync/internal/byoc"
	"github.com/usegalaxy-eu/byoc-sync/internal/document"
)

// Collection paths inside the target documents.
var (
	DestinationsPath = []string{"destinations"}
	QueueUsersPath   = []string{"rabbitmq_users"}
	JobPluginsPath   = []string{"galaxy_jobconf", "plugins"}
)

const (
	destinationParent = "pulsar_default"
	pluginLoad        = "galaxy.jobs.runners.pulsar:PulsarMQJobRunner"
	pluginManager     = "production"

	ackRepublishTime   = 300
	consumerTimeout    = 2.0
	publishMaxRetries  = 60
	defaultGalaxyURL   = "https://usegalaxy.eu"
	defaultAMQPHost    = "mq.galaxyproject.eu:5671"
	queueUserField     = "user"
	jobPluginIDField   = "id"
	requiredTagPattern = "%s-pulsar"
)

// Params are the deployment specific values of the job runner plugins.
type Params struct {
	GalaxyURL string
	AMQPHost  string // host:port of the RabbitMQ server.
}

func (p Params) withDefaults() Params {
	if p.GalaxyURL == "" {
		p.GalaxyURL = defaultGalaxyURL
	}
	if p.AMQPHost == "" {
		p.AMQPHost = defaultAMQPHost
	}
	return p
}

// Destinations ensures destinations.<DestinationKey> exists for every entry
// and returns the keys it added.
func Destinations(d *document.Document, entries []*byoc.Entry) ([]string, error) {
	m, err := d.Mapping(DestinationsPath...)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, e := range entries {
		key := e.DestinationKey()
		if document.HasKey(m, key) {
			continue
		}
		document.Set(m, key, Destination(e))
		added = append(added, key)
	}
	return added, nil
}

// QueueUsers ensures rabbitmq_users has an element whose user is QueueUser
// for every entry and returns the users it added.
func QueueUsers(d *document.Document, entries []*byoc.Entry) ([]string, error) {
	return ensureItems(d, QueueUsersPath, queueUserField, entries, (*byoc.Entry).QueueUser, QueueUser)
}

// JobPlugins ensures galaxy_jobconf.plugins has an element whose id is
// PluginID for every entry and returns the ids it added.
func JobPlugins(d *document.Document, entries []*byoc.Entry, p Params) ([]string, error) {
	p = p.withDefaults()
	return ensureItems(d, JobPluginsPath, jobPluginIDField, entries, (*byoc.Entry).PluginID, func(e *byoc.Entry) *yaml.Node {
		return JobPlugin(e, p)
	})
}

func ensureItems(d *document.Document, path []string, field string, entries []*byoc.Entry, identity func(*byoc.Entry) string, build func(*byoc.Entry) *yaml.Node) ([]string, error) {
	seq, err := d.Sequence(path...)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, e := range entries {
		id := identity(e)
		if document.Index(seq, field, id) >= 0 {
			continue
		}
		document.Append(seq, build(e))
		added = append(added, id)
	}
	return added, nil
}

// Destination builds the TPV destination of e.
func Destination(e *byoc.Entry) *yaml.Node {
	return document.Map(
		document.Pair{Key: "inherits", Value: document.String(destinationParent)},
		document.Pair{Key: "runner", Value: document.String(fmt.Sprintf("pulsar_%s_runner", e.Username))},
		document.Pair{Key: "max_accepted_cores", Value: document.Number(e.MaxAcceptedCores)},
		document.Pair{Key: "max_accepted_mem", Value: document.Number(e.MaxAcceptedMem)},
		document.Pair{Key: "min_accepted_gpus", Value: document.Number(e.MinAcceptedGPUs)},
		document.Pair{Key: "max_accepted_gpus", Value: document.Number(e.MaxAcceptedGPUs)},
		document.Pair{Key: "scheduling", Value: document.Map(
			document.Pair{Key: "require", Value: document.Seq(document.String(fmt.Sprintf(requiredTagPattern, e.Username)))},
		)},
	)
}

// QueueUser builds the RabbitMQ user of e. The password is a reference to
// the vault variable, never the secret itself.
func QueueUser(e *byoc.Entry) *yaml.Node {
	return document.Map(
		document.Pair{Key: "password", Value: document.Quoted(e.SecretRef())},
		document.Pair{Key: "user", Value: document.String(e.QueueUser())},
		document.Pair{Key: "vhost", Value: document.String(vhost(e))},
	)
}

// JobPlugin builds the Pulsar MQ job runner plugin of e.
func JobPlugin(e *byoc.Entry, p Params) *yaml.Node {
	p = p.withDefaults()
	return document.Map(
		document.Pair{Key: "id", Value: document.String(e.PluginID())},
		document.Pair{Key: "load", Value: document.String(pluginLoad)},
		document.Pair{Key: "params", Value: document.Map(
			document.Pair{Key: "amqp_url", Value: document.Quoted(AMQPURL(e, p.AMQPHost))},
			document.Pair{Key: "galaxy_url", Value: document.String(p.GalaxyURL)},
			document.Pair{Key: "manager", Value: document.String(pluginManager)},
			document.Pair{Key: "amqp_acknowledge", Value: document.String("true")},
			document.Pair{Key: "amqp_ack_republish_time", Value: document.Int(ackRepublishTime)},
			document.Pair{Key: "amqp_consumer_timeout", Value: document.Float(consumerTimeout)},
			document.Pair{Key: "amqp_publish_retry", Value: document.String("true")},
			document.Pair{Key: "amqp_publish_retry_max_retries", Value: document.Int(publishMaxRetries)},
		)},
	)
}

// AMQPURL is the connection URL of the job runner plugin of e. The password
// is templated in from the vault at deploy time.
func AMQPURL(e *byoc.Entry, host string) string {
	return fmt.Sprintf("pyamqp://%s:%s@%s/%s?ssl=1", e.QueueUser(), e.SecretRef(), host, vhost(e))
}

func vhost(e *byoc.Entry) string {
	return "/pulsar/" + e.QueueUser()
}
