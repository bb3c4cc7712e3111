package rpc

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Broadcaster is the PUB half of the system-notice channel: connected
// workers and admin clients SUB to it to learn about server events without
// polling. Topics are single words so subscribers can filter cheaply; the
// server publishes only "shutdown".
type Broadcaster struct {
	sck zmq4.Socket
}

// NewBroadcaster binds a PUB socket at listenAddr.
func NewBroadcaster(ctx context.Context, listenAddr string) (*Broadcaster, error) {
	sck := zmq4.NewPub(ctx)
	if err := sck.Listen(listenAddr); err != nil {
		return nil, fmt.Errorf("listen broadcast socket on %s: %w", listenAddr, err)
	}
	return &Broadcaster{sck: sck}, nil
}

// Publish sends one topic-prefixed frame to every current subscriber.
func (b *Broadcaster) Publish(topic, body string) error {
	return b.sck.Send(zmq4.NewMsgString(topic + " " + body))
}

// Close releases the underlying socket.
func (b *Broadcaster) Close() error {
	return b.sck.Close()
}
