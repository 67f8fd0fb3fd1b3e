package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials the broker with the reconnect behavior a long-running
// control plane wants: unlimited reconnect attempts so a broker restart
// only costs the events published while it was down.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}
