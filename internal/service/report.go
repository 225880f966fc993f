package service

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/akedrou/textdiff"
	"github.com/olekukonko/tablewriter"

	"github.com/usegalaxy-eu/byoc-sync/internal/changerequest"
)

// reportDryRun prints what a real run would change. Secret values never
// appear in the report, only the names of the keys that would be added.
func (s *Syncer) reportDryRun(changes []change, res *Result, req changerequest.Request) error {
	w := s.output

	if len(changes) == 0 {
		fmt.Fprintln(w, "[dry-run] configuration repository is up to date")
	}

	for _, c := range changes {
		if c.doc == nil {
			fmt.Fprintf(w, "[dry-run] would add to %s:\n", c.path)
			for _, key := range res.SecretsAdded {
				fmt.Fprintf(w, "  + %s\n", key)
			}
			continue
		}

		fmt.Fprintf(w, "[dry-run] would write %s:\n", c.path)
		fmt.Fprint(w, textdiff.Unified("a/"+c.path, "b/"+c.path, string(c.old), string(c.new)))
	}

	if len(changes) > 0 {
		fmt.Fprintf(w, "[dry-run] would commit %s with message %q and push %s\n", strings.Join(res.Changed, ", "), s.config.CommitMessage, s.config.BranchName)

		bs, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "[dry-run] would create pull request with the following data:\n%s\n", bs)
	}

	return nil
}

// summarize prints one row per BYOC entry with the items added for it.
func (s *Syncer) summarize(res *Result) error {
	if len(res.Entries) == 0 {
		fmt.Fprintln(s.output, "no users with BYOC Pulsar preferences")
		return nil
	}

	table := tablewriter.NewWriter(s.output)
	table.Header("User", "BYOC user", "Destination", "Queue user", "Plugin", "Secret")

	for _, e := range res.Entries {
		if err := table.Append(
			e.Username,
			e.ByocUsername,
			mark(e.DestinationKey(), res.Added[StageDestinations]),
			mark(e.QueueUser(), res.Added[StageQueueUsers]),
			mark(e.PluginID(), res.Added[StageJobPlugins]),
			mark(e.SecretKey(), res.SecretsAdded),
		); err != nil {
			return err
		}
	}

	if err := table.Render(); err != nil {
		return err
	}

	switch {
	case res.ChangeRequest != nil && res.ChangeRequest.Reused:
		fmt.Fprintf(s.output, "updated pull request #%d %s\n", res.ChangeRequest.Number, res.ChangeRequest.URL)
	case res.ChangeRequest != nil:
		fmt.Fprintf(s.output, "opened pull request #%d %s\n", res.ChangeRequest.Number, res.ChangeRequest.URL)
	}
	return nil
}

func mark(id string, added []string) string {
	if slices.Contains(added, id) {
		return id + " (new)"
	}
	return id
}
