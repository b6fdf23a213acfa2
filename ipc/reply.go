package ipc

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply messages for successful routes.
const (
	MessagePong        = "pong"
	MessageQueued      = "queued"
	MessageInteractive = "interactive data received"
)

// Reply is the single response sent for every request.
type Reply struct {
	Status  string `msgpack:"status"`
	Message string `msgpack:"message"`
}

// OK builds a success reply.
func OK(message string) Reply {
	return Reply{Status: StatusOK, Message: message}
}

// Error builds an error reply from err.
func Error(err error) Reply {
	return Reply{Status: StatusError, Message: err.Error()}
}

// IsOK reports whether the reply status is ok.
func (r Reply) IsOK() bool {
	return r.Status == StatusOK
}

// EncodeReply encodes a reply frame.
func EncodeReply(r Reply) ([]byte, error) {
	return msgpack.Marshal(&r)
}

// DecodeReply decodes a reply frame.
func DecodeReply(frame []byte) (Reply, error) {
	var r Reply
	if err := msgpack.Unmarshal(frame, &r); err != nil {
		return Reply{}, &ProtocolError{Kind: ErrorDecode, Msg: "failed to decode reply", Err: err}
	}
	return r, nil
}
