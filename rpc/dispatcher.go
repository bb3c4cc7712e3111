package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"

	"moor/logging"
	"moor/types"
)

// CompletionHandler is invoked when a worker's reply for taskID arrives.
// The scheduler's CompleteWorkerRequest is the production handler.
type CompletionHandler func(taskID int64, value types.Value)

// readyFrame is the single-byte sentinel a worker's Dealer socket sends on
// connect so the Dispatcher learns its zmq routing identity before any
// task is ever dispatched to it.
var readyFrame = []byte{0x01}

// Dispatcher is the scheduler side of worker dispatch (§4.6/§4.8): a ROUTER
// socket that workers' DEALER sockets connect to. Workers are treated as
// interchangeable — Dispatch sends to the next registered worker in a
// round-robin rotation, whatever the request's Kind, a simple rotation
// rather than a real load-balancer, since the workers here are the
// external-compute kind (HTTP calls, long-running jobs), not a
// performance-critical hot path.
type Dispatcher struct {
	sck zmq4.Socket

	mu       sync.Mutex
	workers  map[string]string // identity -> Kind; always "" (registration records no Kind)
	rotation []string          // identities, round-robin order

	onComplete CompletionHandler
}

// NewDispatcher binds a ROUTER socket at listenAddr (e.g.
// "tcp://127.0.0.1:7778") for workers to Dial as DEALER.
func NewDispatcher(ctx context.Context, listenAddr string, onComplete CompletionHandler) (*Dispatcher, error) {
	sck := zmq4.NewRouter(ctx)
	if err := sck.Listen(listenAddr); err != nil {
		return nil, fmt.Errorf("listen worker dispatch socket on %s: %w", listenAddr, err)
	}
	return &Dispatcher{
		sck:        sck,
		workers:    make(map[string]string),
		onComplete: onComplete,
	}, nil
}

// Serve reads worker frames until ctx is canceled: ready announcements and
// reply envelopes. Run it in its own goroutine.
func (d *Dispatcher) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := d.sck.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.L.Infof("worker dispatch recv error: %v", err)
			continue
		}
		if len(msg.Frames) < 1 {
			continue
		}
		identity := string(msg.Frames[0])
		if len(msg.Frames) == 2 && len(msg.Frames[1]) == 1 && msg.Frames[1][0] == readyFrame[0] {
			d.registerWorker(identity)
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		d.handleReply(identity, msg.Frames[1])
	}
}

func (d *Dispatcher) registerWorker(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.workers[identity]; !known {
		d.rotation = append(d.rotation, identity)
	}
	d.workers[identity] = ""
	logging.L.Infof("worker %x registered for dispatch", identity)
}

func (d *Dispatcher) handleReply(identity string, body []byte) {
	var reply replyEnvelope
	if _, err := reply.UnmarshalMsg(body); err != nil {
		logging.L.Infof("malformed worker reply from %x: %v", identity, err)
		return
	}
	if d.onComplete == nil {
		return
	}
	if reply.OK {
		d.onComplete(reply.TaskID, reply.Value)
	} else {
		d.onComplete(reply.TaskID, types.NewErrWithMsg(types.E_INVARG, reply.Err))
	}
}

// Dispatch implements server.WorkerDispatcher: it picks the next registered
// worker in rotation and sends it req as a requestEnvelope. Non-blocking —
// if no worker is registered, the request is not queued: it is logged and
// the task is completed at once with E_INVARG through the completion
// handler.
func (d *Dispatcher) Dispatch(taskID int64, req *types.WorkerRequest) {
	identity, ok := d.nextWorker()
	if !ok {
		logging.L.Infof("worker dispatch: no worker registered for task %d, kind %s", taskID, req.Kind)
		if d.onComplete != nil {
			d.onComplete(taskID, types.NewErr(types.E_INVARG))
		}
		return
	}

	env := &requestEnvelope{TaskID: taskID, Kind: req.Kind, Perms: req.Perms, Payload: req.Payload}
	body, err := env.MarshalMsg(nil)
	if err != nil {
		logging.L.Infof("encode worker request for task %d: %v", taskID, err)
		return
	}
	msg := zmq4.NewMsgFrom([]byte(identity), body)
	if err := d.sck.Send(msg); err != nil {
		logging.L.Infof("send worker request for task %d: %v", taskID, err)
	}
}

func (d *Dispatcher) nextWorker() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rotation) == 0 {
		return "", false
	}
	identity := d.rotation[0]
	d.rotation = append(d.rotation[1:], identity)
	return identity, true
}

// Close releases the underlying socket.
func (d *Dispatcher) Close() error {
	return d.sck.Close()
}
