package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

// Relay rebroadcasts a Bus's events to sibling supervisor processes on
// the same host via an embedded NATS server, and republishes whatever
// those siblings send back onto the local Bus. This is local pub-sub
// between processes sharing a filesystem (spec §5): it does not attempt
// cross-host consensus, which remains a Non-goal (spec §1).
//
// Grounded on the teacher's internal/nats/server.go (EmbeddedServer) and
// internal/nats/client.go (Client), trimmed to the publish/subscribe
// surface this relay actually needs.
type Relay struct {
	bus    *Bus
	server *natsserver.Server
	conn   *nats.Conn
	subj   string

	mu          sync.Mutex
	fromRemote  map[string]bool // event ids just republished locally, to avoid re-relaying them back out
}

const relaySubject = "taskforge.events"

// NewRelay starts an embedded NATS server on port (0 lets the OS pick a
// free port) and wires it to bus: inbound messages on the relay subject
// are republished locally. Local bus events are mirrored out only while
// Run is running.
func NewRelay(bus *Bus, port int) (*Relay, error) {
	opts := &natsserver.Options{
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("embedded nats server not ready for connections")
	}

	conn, err := nats.Connect(ns.ClientURL(), nats.MaxReconnects(-1))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats server: %w", err)
	}

	r := &Relay{bus: bus, server: ns, conn: conn, subj: relaySubject, fromRemote: make(map[string]bool)}

	if _, err := conn.Subscribe(relaySubject, r.onRemoteMessage); err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("subscribe to relay subject: %w", err)
	}

	return r, nil
}

// Publish mirrors a locally-published event onto the embedded NATS
// subject for sibling processes to observe.
func (r *Relay) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Printf("relay marshal error: %v", err)
		return
	}
	if err := r.conn.Publish(r.subj, data); err != nil {
		logger.Printf("relay publish error: %v", err)
	}
}

func (r *Relay) onRemoteMessage(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logger.Printf("relay unmarshal error: %v", err)
		return
	}
	r.mu.Lock()
	r.fromRemote[ev.ID] = true
	r.mu.Unlock()
	r.bus.Publish(ev)
}

// Run subscribes to the local bus and mirrors every event it sees onto
// the embedded NATS subject, until ctx is cancelled. Events that just
// arrived from a sibling process (and were republished locally by
// onRemoteMessage) are not relayed back out, to avoid an echo loop.
func (r *Relay) Run(ctx context.Context) {
	ch := r.bus.Subscribe()
	defer r.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			fromRemote := r.fromRemote[ev.ID]
			delete(r.fromRemote, ev.ID)
			r.mu.Unlock()
			if fromRemote {
				continue
			}
			r.Publish(ev)
		}
	}
}

// URL returns the embedded server's client connection URL, so sibling
// processes started with a shared config can join the same relay.
func (r *Relay) URL() string {
	return r.server.ClientURL()
}

// Close disconnects and shuts down the embedded server.
func (r *Relay) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
	if r.server != nil {
		r.server.Shutdown()
		r.server.WaitForShutdown()
	}
}
