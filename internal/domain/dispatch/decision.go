package dispatch

// Outcome is the terminal result of the per-organization state machine.
type Outcome string

const (
	OutcomeSend Outcome = "SEND"
	OutcomeSkip Outcome = "SKIP"
)

// SkipReason tags why an organization was not dispatched this run. Every
// failure mode is a local, per-organization outcome; none aborts the run.
type SkipReason string

const (
	SkipNoRecipients       SkipReason = "NO_RECIPIENTS"
	SkipNoFolder           SkipReason = "NO_FOLDER"
	SkipAmbiguousFolder    SkipReason = "AMBIGUOUS_FOLDER"
	SkipNoFile             SkipReason = "NO_FILE"
	SkipUnreadableDocument SkipReason = "UNREADABLE_DOCUMENT"
	SkipNoDatesFound       SkipReason = "NO_DATES_FOUND"
	SkipNoDatesInWindow    SkipReason = "NO_DATES_IN_WINDOW"
	SkipAlreadySent        SkipReason = "ALREADY_SENT"
)

// Decision is the engine's structured output for one organization in one
// run. It is transient: only a send that completes becomes a Record.
type Decision struct {
	Organization string
	Outcome      Outcome
	Reason       SkipReason // empty when Outcome is SEND
	Detail       string     // human-readable context (candidates, errors)
	Window       WeekWindow

	// Populated on SEND.
	TextSource   string
	Attachment   string
	Recipients   []string
	CC           []string
	Subject      string
	Body         string
	MatchedDates []Date
}

// Skip builds a terminal skip decision.
func Skip(org string, window WeekWindow, reason SkipReason, detail string) Decision {
	return Decision{
		Organization: org,
		Outcome:      OutcomeSkip,
		Reason:       reason,
		Detail:       detail,
		Window:       window,
	}
}

// Key returns the idempotency key this decision would dispatch under.
func (d *Decision) Key() Key {
	return Key{
		Organization: d.Organization,
		WeekStart:    d.Window.StartDate(),
		WeekEnd:      d.Window.EndDate(),
		SourceFile:   d.SourceFileID(),
	}
}

// SourceFileID is the stable identifier of the scanned document: its base
// name, so relocating the invoice root does not change dispatch identity.
func (d *Decision) SourceFileID() string {
	return baseName(d.TextSource)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
