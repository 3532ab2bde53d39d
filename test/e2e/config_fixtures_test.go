package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// e2eNode describes one fencesync process in a scenario.
type e2eNode struct {
	Name         string
	Port         int
	NATSURL      string
	BucketPrefix string
	ServeLocal   bool
	// IngestSubject enables JetStream ingest when set.
	IngestSubject string
	WebhookURL    string
}

// e2eSingleConfig renders a single-mode config with memory store and in-process backend.
// Params: HTTP port and optional extra TOML sections.
// Returns: TOML document.
func e2eSingleConfig(port int, extra ...string) string {
	return fmt.Sprintf(`
[service]
name = "fencesync-e2e"
mode = "single"
resync_interval_sec = 0

[log.console]
enabled = true
level = "error"
format = "line"

[api]
listen = "127.0.0.1:%d"
%s
`, port, strings.Join(extra, "\n"))
}

// e2eNATSConfig renders a nats-mode config for node.
// Params: node settings.
// Returns: TOML document.
func e2eNATSConfig(node e2eNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
[service]
name = %q
mode = "nats"

[log.console]
enabled = true
level = "error"
format = "line"

[nats]
url = [%q]

[api]
listen = "127.0.0.1:%d"

[store]
driver = "nats"

[store.nats]
bucket_prefix = %q
allow_create_buckets = true

[backend]
driver = "nats"
serve_local = %t

[backend.nats]
subject_prefix = "fencesync.e2e.backend"
request_timeout_ms = 500
reconnect_initial_ms = 50
reconnect_max_ms = 200
`, node.Name, node.NATSURL, node.Port, node.BucketPrefix, node.ServeLocal)

	if node.IngestSubject != "" {
		fmt.Fprintf(&b, `
[ingest.nats]
enabled = true
subject = %q
stream = %q
consumer_name = %q
deliver_group = %q
ack_wait_sec = 5
nack_delay_ms = 50
`, node.IngestSubject, e2eTriggerStream, node.Name+"-ingest", node.Name+"-workers")
	}
	if node.WebhookURL != "" {
		b.WriteString(e2eWebhookNotify(node.WebhookURL))
	}
	return b.String()
}

// e2eWebhookNotify routes triggers for target "door" to an HTTP webhook.
func e2eWebhookNotify(url string) string {
	return fmt.Sprintf(`
[notify.http]
enabled = true
url = %q
timeout_sec = 2

[[notify.http.name-template]]
name = "trigger"
message = "{{ .FenceID }} is {{ .State }}"

[[handler.door.route]]
channel = "http"
template = "trigger"
`, url)
}

// writeConfig stores body as config.toml in a fresh temp dir.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
