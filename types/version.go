package types

// Version is the canonical project version.
// The CLI, the control-channel codec and the notification adapters share
// this version.
const Version = "0.3.0"
