// Package ipc implements the control-channel wire protocol between the
// producer and the request server.
//
// A request is a multi-part message. Part 0 is a msgpack map (the control
// header); part 1, required for every kind except ping, carries raw image
// bytes. Every request gets exactly one msgpack reply {status, message}.
package ipc

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/bridge/types"
)

// Header keys on the wire.
const (
	KeyType       = "type"
	KeyFilename   = "filename"
	KeyRenderType = "render_type"
	KeyReturnInfo = "return_info"
	KeyWorkflow   = "workflow"
	KeyChannelMap = "channel_map"
)

// TypePing is the handshake discriminant.
const TypePing = "ping"

// DefaultFilename is used when the header carries no filename.
const DefaultFilename = "image.png"

// Kind is the routing discriminant derived from a decoded header.
type Kind string

const (
	// KindPing is a handshake; no image part.
	KindPing Kind = "ping"
	// KindAutomatic carries a workflow graph to submit immediately.
	KindAutomatic Kind = "automatic"
	// KindInteractive publishes data for the pull-side consumer.
	KindInteractive Kind = "interactive"
)

// ErrorKind classifies protocol errors.
type ErrorKind int

const (
	// ErrorDecode indicates a malformed control header.
	ErrorDecode ErrorKind = iota
	// ErrorMissingPart indicates the image part is absent.
	ErrorMissingPart
)

// ProtocolError is returned for requests the server cannot route.
type ProtocolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsMissingPart reports whether err is a missing image part error.
func IsMissingPart(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Kind == ErrorMissingPart
}

// Header is a validated control header.
// Workflow is non-nil only for KindAutomatic.
type Header struct {
	Kind       Kind
	Filename   string
	RenderType string
	ReturnInfo *types.ReturnInfo
	Workflow   map[string]any
	// Metadata is the full decoded header, passed downstream verbatim.
	Metadata map[string]any
}

// Message is a decoded request: header plus the optional image part.
type Message struct {
	Header *Header
	Data   []byte
}

// DecodeHeader decodes and validates a control header frame.
func DecodeHeader(frame []byte) (*Header, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(frame, &raw); err != nil {
		return nil, &ProtocolError{Kind: ErrorDecode, Msg: "failed to decode control header", Err: err}
	}
	if raw == nil {
		return nil, &ProtocolError{Kind: ErrorDecode, Msg: "control header is nil"}
	}

	h := &Header{
		Filename:   DefaultFilename,
		RenderType: types.RenderTypeDefault,
		Metadata:   raw,
	}

	typ, err := optionalString(raw, KeyType)
	if err != nil {
		return nil, err
	}
	if typ == TypePing {
		h.Kind = KindPing
		return h, nil
	}

	if name, err := optionalString(raw, KeyFilename); err != nil {
		return nil, err
	} else if name != "" {
		h.Filename = name
	}
	if rt, err := optionalString(raw, KeyRenderType); err != nil {
		return nil, err
	} else if rt != "" {
		h.RenderType = rt
	}

	if h.ReturnInfo, err = decodeReturnInfo(raw[KeyReturnInfo]); err != nil {
		return nil, err
	}

	h.Kind = KindInteractive
	if wf, present := raw[KeyWorkflow]; present {
		m, ok := wf.(map[string]any)
		if !ok {
			return nil, &ProtocolError{Kind: ErrorDecode, Msg: fmt.Sprintf("workflow must be a map, got %T", wf)}
		}
		h.Kind = KindAutomatic
		h.Workflow = m
	}

	return h, nil
}

// DecodeMessage decodes a multi-part request.
// Non-ping requests without an image part yield ErrorMissingPart.
func DecodeMessage(frames [][]byte) (*Message, error) {
	if len(frames) == 0 {
		return nil, &ProtocolError{Kind: ErrorDecode, Msg: "empty message"}
	}
	h, err := DecodeHeader(frames[0])
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: h}
	if h.Kind == KindPing {
		return msg, nil
	}
	if len(frames) < 2 {
		return nil, &ProtocolError{Kind: ErrorMissingPart, Msg: "missing image data part"}
	}
	msg.Data = frames[1]
	return msg, nil
}

func optionalString(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ProtocolError{Kind: ErrorDecode, Msg: fmt.Sprintf("%s must be a string, got %T", key, v)}
	}
	return s, nil
}

// decodeReturnInfo accepts {target_address, result_name} and the producer's
// legacy keys {blender_server_address, image_datablock_name}.
func decodeReturnInfo(v any) (*types.ReturnInfo, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ProtocolError{Kind: ErrorDecode, Msg: fmt.Sprintf("return_info must be a map, got %T", v)}
	}
	pick := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	ri := &types.ReturnInfo{
		TargetAddress: pick("target_address", "blender_server_address"),
		ResultName:    pick("result_name", "image_datablock_name"),
	}
	if ri.TargetAddress == "" && ri.ResultName == "" {
		return nil, nil
	}
	return ri, nil
}

// Request is the producer-side view of a control header, used by the
// client to build requests.
type Request struct {
	Type       string            `msgpack:"type,omitempty"`
	Filename   string            `msgpack:"filename,omitempty"`
	RenderType string            `msgpack:"render_type,omitempty"`
	ReturnInfo *types.ReturnInfo `msgpack:"return_info,omitempty"`
	Workflow   map[string]any    `msgpack:"workflow,omitempty"`
	ChannelMap map[string]string `msgpack:"channel_map,omitempty"`
	MaskObject string            `msgpack:"mask_object,omitempty"`
}

// EncodeRequest encodes a request header frame.
func EncodeRequest(r *Request) ([]byte, error) {
	return msgpack.Marshal(r)
}
