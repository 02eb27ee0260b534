package events

import (
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots all mirrored event subjects.
const SubjectPrefix = "events"

// Subject returns the NATS subject an event is mirrored to:
// events.<project>.<event_type>. Events without a project use "_global".
func Subject(ev *Event) string {
	project := ev.ProjectID
	if project == "" {
		project = "_global"
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, project, ev.Type)
}

// NATSMirror publishes hub events to NATS subjects so network consumers
// (SSE bridge, relays) can subscribe without touching the in-process hub.
type NATSMirror struct {
	conn *nats.Conn
}

// NewNATSMirror wraps an established connection.
func NewNATSMirror(conn *nats.Conn) *NATSMirror {
	return &NATSMirror{conn: conn}
}

func (m *NATSMirror) Publish(ev *Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return m.conn.Publish(Subject(ev), raw)
}

var _ Publisher = (*NATSMirror)(nil)

// StartEmbeddedNATS runs an in-process NATS server for single-binary
// deployments and tests. Pass port 0 to pick a random free port.
func StartEmbeddedNATS(port int) (*natsserver.Server, error) {
	if port <= 0 {
		port = natsserver.RANDOM_PORT
	}
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats did not become ready")
	}
	return srv, nil
}
