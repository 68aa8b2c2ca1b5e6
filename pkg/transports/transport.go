// Package transports defines the boundary between the service and the
// network surfaces that feed it audio.
package transports

import (
	"net/http"

	"github.com/kreolabs/captiond/pkg/captions"
)

// Handler is a websocket ingest surface mounted on the service mux. An
// implementation owns its client sockets; the registry behind Bind owns
// the upstream transcription sockets.
type Handler interface {
	http.Handler

	// Path is the HTTP route the handler serves on.
	Path() string

	// Bind attaches the session registry before serving begins.
	Bind(*captions.Registry)

	// SessionEnded is installed as the registry's termination hook so
	// clients learn about sessions the service evicted on its own.
	SessionEnded(key captions.Key, reason captions.TerminateReason)

	// Stop drains the handler: client sockets close and new handshakes
	// are refused.
	Stop()
}
