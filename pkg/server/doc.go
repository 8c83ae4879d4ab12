// Package server exposes the state service over HTTP: the server side of
// the http sync backend. Documents are stored as opaque bytes so the
// payload a peer pushes is returned byte-identical on the next pull.
package server
