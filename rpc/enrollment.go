package rpc

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"moor/logging"
)

// EnrollmentServer answers the REQ/REP enrollment handshake: a worker or
// admin client connects, sends its enrollment token (issued out of band by
// server.Server.EnrollmentToken/RotateEnrollmentToken), and gets back a
// short ack on success or an error string on failure. The Dispatcher does
// not check enrollment: it registers any DEALER that sends the ready frame.
type EnrollmentServer struct {
	sck        zmq4.Socket
	signingKey []byte
}

// NewEnrollmentServer binds a REP socket at listenAddr.
func NewEnrollmentServer(ctx context.Context, listenAddr string, signingKey []byte) (*EnrollmentServer, error) {
	sck := zmq4.NewRep(ctx)
	if err := sck.Listen(listenAddr); err != nil {
		return nil, fmt.Errorf("listen enrollment socket on %s: %w", listenAddr, err)
	}
	return &EnrollmentServer{sck: sck, signingKey: signingKey}, nil
}

// Serve answers enrollment requests until ctx is canceled. Every request is
// a bare token string; the reply is "ok <kind>" or "error <message>".
func (e *EnrollmentServer) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := e.sck.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.L.Infof("enrollment recv error: %v", err)
			continue
		}
		if len(msg.Frames) != 1 {
			e.reply("error malformed request")
			continue
		}
		claims, err := ParseToken(e.signingKey, string(msg.Frames[0]))
		if err != nil {
			e.reply(fmt.Sprintf("error %v", err))
			continue
		}
		e.reply("ok " + claims.Kind)
	}
}

func (e *EnrollmentServer) reply(s string) {
	if err := e.sck.Send(zmq4.NewMsgString(s)); err != nil {
		logging.L.Infof("enrollment reply error: %v", err)
	}
}

// Close releases the underlying socket.
func (e *EnrollmentServer) Close() error {
	return e.sck.Close()
}
