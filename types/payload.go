// Package types defines the core domain types shared by the bridge packages.
//
//nolint:revive // types is a common Go package naming convention
package types

import "maps"

// FileKind classifies a persisted inbound file.
type FileKind string

// File kinds derived from the producer's render_type header field.
const (
	FileKindMultilayer FileKind = "multilayer_container"
	FileKindStandard   FileKind = "standard_image"
	FileKindUnknown    FileKind = "unknown"
)

// Render types sent by the producer in the control header.
const (
	RenderTypeMultilayerEXR = "multilayer_exr"
	RenderTypeStandard      = "standard"
	// RenderTypeDefault is assumed when the header carries no render_type.
	RenderTypeDefault = "render"
)

// KindForRenderType maps a producer render_type onto a FileKind.
func KindForRenderType(renderType string) FileKind {
	switch renderType {
	case RenderTypeMultilayerEXR:
		return FileKindMultilayer
	case RenderTypeStandard:
		return FileKindStandard
	default:
		return FileKindUnknown
	}
}

// FileDescriptor describes a file written by the request server.
// The path stays valid until the pipeline or the cleanup watcher removes it.
type FileDescriptor struct {
	// Path is the absolute location of the persisted bytes.
	Path string `json:"path" msgpack:"path"`
	// Kind is the classified container kind.
	Kind FileKind `json:"kind" msgpack:"kind"`
	// RenderType is the raw render_type from the header.
	RenderType string `json:"render_type" msgpack:"render_type"`
	// OriginalName is the sanitized filename supplied by the producer.
	OriginalName string `json:"original_name" msgpack:"original_name"`
}

// ReturnInfo tells the pipeline where to push its result.
// Absent return info means the outbound step is skipped.
type ReturnInfo struct {
	// TargetAddress is the producer's HTTP base URL.
	TargetAddress string `json:"target_address" msgpack:"target_address"`
	// ResultName names the image slot on the producer side.
	ResultName string `json:"result_name" msgpack:"result_name"`
}

// Valid reports whether both fields are set.
func (r *ReturnInfo) Valid() bool {
	return r != nil && r.TargetAddress != "" && r.ResultName != ""
}

// Payload is the unit handed from the request server to the pipe consumer.
type Payload struct {
	// Files holds zero or one descriptor.
	Files []FileDescriptor `json:"files"`
	// Metadata is the full decoded control header.
	Metadata map[string]any `json:"metadata"`
	// ReturnInfo is copied from the header when present.
	ReturnInfo *ReturnInfo `json:"return_info,omitempty"`
}

// MainFile returns the first file descriptor, if any.
func (p Payload) MainFile() (FileDescriptor, bool) {
	if len(p.Files) == 0 {
		return FileDescriptor{}, false
	}
	return p.Files[0], true
}

// Clone returns a copy that shares no mutable top-level state with p.
// Nested metadata values are copied one level deep.
func (p Payload) Clone() Payload {
	out := Payload{}
	if p.Files != nil {
		out.Files = append([]FileDescriptor(nil), p.Files...)
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			if m, ok := v.(map[string]any); ok {
				v = maps.Clone(m)
			}
			out.Metadata[k] = v
		}
	}
	if p.ReturnInfo != nil {
		ri := *p.ReturnInfo
		out.ReturnInfo = &ri
	}
	return out
}
