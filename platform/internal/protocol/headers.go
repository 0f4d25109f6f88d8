// Package protocol contains internal wire constants for the subscription protocol.
package protocol

// Message type codes. Each frame is a JSON array whose first element is one of these.
const (
	TypeKeepAlive   = 0
	TypeEvent       = 1
	TypeEndOfStream = 255
)

// Frame arity per message type, including the type code itself.
const (
	KeepAliveArity   = 2
	EventArity       = 4
	EndOfStreamArity = 4
)

// FrameDelimiter terminates every frame on the wire.
const FrameDelimiter = '\n'

// HTTP header names used by the protocol.
const (
	// HeaderLastEventID carries the resume position on a re-established subscription.
	HeaderLastEventID = "Last-Event-ID"

	// HeaderRetryAfter on an end-of-stream frame turns a close into a server-directed resume.
	// End-of-stream header keys are matched case-insensitively.
	HeaderRetryAfter = "retry-after"

	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
)

// MethodSubscribe is the verb used to open a subscription.
const MethodSubscribe = "SUBSCRIBE"

// Service path layout: /services/<name>/<version>/<instance>/<path>.
const ServicesPrefix = "services"

// HostSuffix is appended to a locator cluster to form the service host.
const HostSuffix = "pusherplatform.io"
