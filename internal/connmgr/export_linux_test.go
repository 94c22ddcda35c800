//go:build linux

package connmgr

// NewFileConn exposes newFileConn to the external test package.
var NewFileConn = newFileConn
