package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-zeromq/zmq4"
)

// DefaultEndpoint is the producer's default target.
const DefaultEndpoint = "tcp://127.0.0.1:5555"

// Socket is the reply side of the request/reply transport.
// Every successful Recv must be followed by exactly one Send.
type Socket interface {
	Recv() ([][]byte, error)
	Send(frame []byte) error
	Close() error
}

// RepSocket is a ZeroMQ REP socket.
type RepSocket struct {
	sck zmq4.Socket
}

// ListenRep binds a REP socket on endpoint. The socket closes when ctx ends.
func ListenRep(ctx context.Context, endpoint string) (*RepSocket, error) {
	sck := zmq4.NewRep(ctx)
	if err := sck.Listen(endpoint); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &RepSocket{sck: sck}, nil
}

// Recv blocks for the next multi-part request.
func (r *RepSocket) Recv() ([][]byte, error) {
	msg, err := r.sck.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

// Send sends a single-part reply.
func (r *RepSocket) Send(frame []byte) error {
	return r.sck.Send(zmq4.NewMsg(frame))
}

// Addr returns the bound address.
func (r *RepSocket) Addr() net.Addr {
	return r.sck.Addr()
}

// Close closes the socket.
func (r *RepSocket) Close() error {
	return r.sck.Close()
}

// Client is the producer side of the protocol: a ZeroMQ REQ socket.
// Not safe for concurrent use; REQ sockets alternate send and receive.
type Client struct {
	sck zmq4.Socket
}

// Dial connects a REQ client to endpoint. The socket closes when ctx ends.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	sck := zmq4.NewReq(ctx)
	if err := sck.Dial(endpoint); err != nil {
		_ = sck.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &Client{sck: sck}, nil
}

// Do sends raw frames and decodes the reply.
func (c *Client) Do(frames ...[]byte) (Reply, error) {
	if len(frames) == 0 {
		return Reply{}, errors.New("no frames to send")
	}
	msg := zmq4.NewMsgFrom(frames...)
	var err error
	if len(frames) > 1 {
		err = c.sck.SendMulti(msg)
	} else {
		err = c.sck.Send(msg)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("send request: %w", err)
	}

	resp, err := c.sck.Recv()
	if err != nil {
		return Reply{}, fmt.Errorf("receive reply: %w", err)
	}
	if len(resp.Frames) == 0 {
		return Reply{}, &ProtocolError{Kind: ErrorDecode, Msg: "empty reply"}
	}
	return DecodeReply(resp.Frames[0])
}

// Ping performs the handshake.
func (c *Client) Ping() (Reply, error) {
	frame, err := EncodeRequest(&Request{Type: TypePing})
	if err != nil {
		return Reply{}, err
	}
	return c.Do(frame)
}

// Send pushes a header and image bytes.
func (c *Client) Send(req *Request, data []byte) (Reply, error) {
	frame, err := EncodeRequest(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}
	return c.Do(frame, data)
}

// Close closes the client socket.
func (c *Client) Close() error {
	return c.sck.Close()
}
