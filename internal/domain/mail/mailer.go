package mail

import "context"

// Request is a fully formed send request produced by the decision engine.
// The engine fills every field; implementations only move bytes.
type Request struct {
	To             []string
	CC             []string
	Subject        string
	Body           string
	AttachmentPath string
}

// Mailer defines an interface for dispatching email. This decouples the
// application logic from the specific transport; the engine itself never
// knows how email is carried.
type Mailer interface {
	// Send delivers the request and returns the provider's message id.
	Send(ctx context.Context, req *Request) (string, error)
}
