// internal/app/dispatch_service.go
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"invoice_dispatch_bot/internal/docscan"
	"invoice_dispatch_bot/internal/domain/dispatch"
	"invoice_dispatch_bot/internal/domain/mail"
	"invoice_dispatch_bot/internal/domain/organization"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// textSourceExt is the document format dates are scanned from.
// attachmentExt is preferred for the outgoing attachment when a same-named
// file exists; it is never used as a text source.
const (
	textSourceExt = ".docx"
	attachmentExt = ".pdf"
)

// evalParallelism bounds concurrent per-organization evaluations. Each
// evaluation is independent; only the history store is shared, and
// evaluation touches it read-only.
const evalParallelism = 4

// Notifier receives the per-run summary. Implementations render and carry
// it however configured (admin chat, console, nothing).
type Notifier interface {
	NotifyRunSummary(summary string) error
}

// DispatchService is the decision engine: once per run it decides, per
// organization, whether this week's invoice document should be dispatched,
// based on dates found inside the document content. The evaluation phase is
// pure with respect to side effects; the dispatch phase sends and records
// only after a confirmed send.
type DispatchService struct {
	orgs    []organization.Organization
	history dispatch.Repository
	mailer  mail.Mailer
	log     *logrus.Logger
	root    string
	dryRun  bool
}

// NewDispatchService wires the engine. mailer may be nil only in dry-run
// mode, where neither the mailer nor the history append is ever invoked.
func NewDispatchService(
	orgs []organization.Organization,
	history dispatch.Repository,
	mailer mail.Mailer,
	log *logrus.Logger,
	root string,
	dryRun bool,
) (*DispatchService, error) {
	if !dryRun && mailer == nil {
		return nil, fmt.Errorf("a mailer is required outside dry-run mode")
	}
	return &DispatchService{
		orgs:    orgs,
		history: history,
		mailer:  mailer,
		log:     log,
		root:    root,
		dryRun:  dryRun,
	}, nil
}

// RunReport is the structured outcome of one run.
type RunReport struct {
	ReferenceTime time.Time
	Window        dispatch.WeekWindow
	Decisions     []dispatch.Decision
	Sent          int
	DryRun        bool
	Failures      []string
}

// Run evaluates every organization against the week window of the injected
// reference instant, then dispatches the resulting send decisions. The only
// error it returns is a history-store failure; every per-organization
// problem is a terminal decision inside the report.
func (s *DispatchService) Run(ctx context.Context, asOf time.Time) (*RunReport, error) {
	window := dispatch.WindowFor(asOf)
	s.log.WithFields(logrus.Fields{
		"as_of":         asOf.In(dispatch.Zone()).Format(time.RFC3339),
		"week_start":    window.StartDate().String(),
		"week_end":      window.EndDate().String(),
		"organizations": len(s.orgs),
		"dry_run":       s.dryRun,
	}).Info("Starting dispatch run")

	report := &RunReport{
		ReferenceTime: asOf,
		Window:        window,
		Decisions:     make([]dispatch.Decision, len(s.orgs)),
		DryRun:        s.dryRun,
	}

	// Evaluation phase: organizations are independent, so evaluate them in
	// parallel. The history store is only read here.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(evalParallelism)
	for i := range s.orgs {
		i := i
		org := s.orgs[i]
		g.Go(func() error {
			decision, err := s.evaluate(gctx, org, asOf, window)
			if err != nil {
				return err
			}
			report.Decisions[i] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("dispatch run aborted: %w", err)
	}

	// Dispatch phase: single-writer. Each send runs inside the history
	// store's exclusive key lock, so the guard re-check, the send, and the
	// record are one atomic unit even against a concurrent run on another
	// host sharing the same history.
	for i := range report.Decisions {
		d := &report.Decisions[i]
		s.reportDecision(d)
		if d.Outcome != dispatch.OutcomeSend {
			continue
		}
		if s.dryRun {
			s.log.WithField("organization", d.Organization).
				Info("Dry run: suppressing email dispatch and history record")
			continue
		}
		if err := s.dispatchOne(ctx, d, window, report); err != nil {
			return report, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"sent":     report.Sent,
		"failures": len(report.Failures),
	}).Info("Dispatch run complete")
	return report, nil
}

// dispatchOne sends one decision and records it, all under the history
// store's exclusive lock for the decision's key. A concurrent run that has
// already recorded the key flips the decision to an already-sent skip. A
// send failure is reported but is not a run error; the key stays
// unrecorded so the next run retries it. Any history-store error (lock,
// membership test, or append) is a run error.
func (s *DispatchService) dispatchOne(
	ctx context.Context,
	d *dispatch.Decision,
	window dispatch.WeekWindow,
	report *RunReport,
) error {
	return s.history.WithKeyLock(ctx, d.Key(), func(g dispatch.Guard) error {
		exists, err := g.Exists(ctx, d.Key())
		if err != nil {
			return fmt.Errorf("dispatch history unavailable: %w", err)
		}
		if exists {
			*d = dispatch.Skip(d.Organization, window, dispatch.SkipAlreadySent,
				"recorded by a concurrent run")
			return nil
		}

		msgID, err := s.mailer.Send(ctx, &mail.Request{
			To:             d.Recipients,
			CC:             d.CC,
			Subject:        d.Subject,
			Body:           d.Body,
			AttachmentPath: d.Attachment,
		})
		if err != nil {
			// Not recorded: the next scheduled run will retry this key.
			s.log.WithField("organization", d.Organization).
				WithError(err).Error("Email dispatch failed")
			report.Failures = append(report.Failures,
				fmt.Sprintf("%s: %v", d.Organization, err))
			return nil
		}

		rec := &dispatch.Record{
			Organization: d.Organization,
			WeekStart:    window.StartDate(),
			WeekEnd:      window.EndDate(),
			SourceFile:   d.SourceFileID(),
			DispatchedAt: time.Now().In(dispatch.Zone()),
			Recipients:   d.Recipients,
			MessageID:    msgID,
		}
		if err := g.Append(ctx, rec); err != nil {
			// The send went out but the record did not land; surface this
			// loudly, since a rerun would double-send this key.
			return fmt.Errorf("recording dispatch for %s: %w", d.Organization, err)
		}
		report.Sent++
		s.log.WithFields(logrus.Fields{
			"organization": d.Organization,
			"message_id":   msgID,
			"attachment":   d.Attachment,
		}).Info("Dispatched and recorded")
		return nil
	})
}

// evaluate walks one organization through the state machine:
// Start → FolderResolved → FileLocated → DatesExtracted → WindowTested →
// GuardChecked → Decided. Any step failure lands in a terminal skip; the
// only returned error is a history-store failure.
func (s *DispatchService) evaluate(
	ctx context.Context,
	org organization.Organization,
	asOf time.Time,
	window dispatch.WeekWindow,
) (dispatch.Decision, error) {
	if !org.HasRecipients() {
		return dispatch.Skip(org.Name, window, dispatch.SkipNoRecipients,
			"no recipient addresses configured"), nil
	}

	folder, err := docscan.ResolveFolder(s.root, org.FolderKeyword)
	if err != nil {
		var ambiguous *docscan.AmbiguousFolderError
		if errors.As(err, &ambiguous) {
			return dispatch.Skip(org.Name, window, dispatch.SkipAmbiguousFolder,
				ambiguous.Error()), nil
		}
		return dispatch.Skip(org.Name, window, dispatch.SkipNoFolder, err.Error()), nil
	}

	base := monthFileBase(asOf)
	textSource := filepath.Join(folder, base+textSourceExt)
	if _, err := os.Stat(textSource); err != nil {
		return dispatch.Skip(org.Name, window, dispatch.SkipNoFile,
			fmt.Sprintf("expected %s: %v", base+textSourceExt, err)), nil
	}

	fragments, err := docscan.ExtractText(textSource)
	if err != nil {
		return dispatch.Skip(org.Name, window, dispatch.SkipUnreadableDocument,
			err.Error()), nil
	}

	dates := docscan.ExtractDates(fragments)
	if len(dates) == 0 {
		return dispatch.Skip(org.Name, window, dispatch.SkipNoDatesFound,
			"document contains no recognizable dates"), nil
	}

	var matched []dispatch.Date
	for _, d := range dates {
		if window.Contains(d) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		return dispatch.Skip(org.Name, window, dispatch.SkipNoDatesInWindow,
			fmt.Sprintf("%d dates found, none within %s", len(dates), window.Label())), nil
	}

	decision := dispatch.Decision{
		Organization: org.Name,
		Outcome:      dispatch.OutcomeSend,
		Window:       window,
		TextSource:   textSource,
		Attachment:   preferredAttachment(textSource),
		Recipients:   org.Recipients,
		CC:           org.CC,
		Subject:      subjectFor(org.Name, window),
		Body:         renderBody(org, window, asOf),
		MatchedDates: matched,
	}

	exists, err := s.history.Exists(ctx, decision.Key())
	if err != nil {
		return dispatch.Decision{}, fmt.Errorf("dispatch history unavailable: %w", err)
	}
	if exists {
		return dispatch.Skip(org.Name, window, dispatch.SkipAlreadySent,
			fmt.Sprintf("%s already dispatched for %s", decision.SourceFileID(), window.Label())), nil
	}
	return decision, nil
}

func (s *DispatchService) reportDecision(d *dispatch.Decision) {
	fields := logrus.Fields{
		"organization": d.Organization,
		"outcome":      string(d.Outcome),
		"week_start":   d.Window.StartDate().String(),
		"week_end":     d.Window.EndDate().String(),
	}
	if d.Outcome == dispatch.OutcomeSend {
		matched := make([]string, len(d.MatchedDates))
		for i, m := range d.MatchedDates {
			matched[i] = m.String()
		}
		fields["matched_dates"] = strings.Join(matched, ",")
		fields["attachment"] = d.Attachment
		s.log.WithFields(fields).Info("Decision: send")
		return
	}
	fields["reason"] = string(d.Reason)
	fields["detail"] = d.Detail
	s.log.WithFields(fields).Info("Decision: skip")
}

// monthFileBase names the current month's document, e.g. "February 2026".
func monthFileBase(asOf time.Time) string {
	return asOf.In(dispatch.Zone()).Format("January 2006")
}

// preferredAttachment picks a same-named PDF next to the text source when
// one exists; the PDF is only ever the attachment, never the text source.
func preferredAttachment(textSource string) string {
	pdf := strings.TrimSuffix(textSource, textSourceExt) + attachmentExt
	if _, err := os.Stat(pdf); err == nil {
		return pdf
	}
	return textSource
}

func subjectFor(orgName string, window dispatch.WeekWindow) string {
	return fmt.Sprintf("Weekly Statement of Account - %s - %s", orgName, window.Label())
}

const defaultBodyTemplate = `Dear Counsel,

Please find attached the weekly statement of account for {{organization}} covering the period {{week_start}} - {{week_end}}.

This statement summarizes invoices previously sent. No new charges are added.

Thank you.`

// renderBody fills the organization's message template, falling back to the
// standard weekly statement wording when none is configured.
func renderBody(org organization.Organization, window dispatch.WeekWindow, asOf time.Time) string {
	tmpl := org.Template
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultBodyTemplate
	}
	r := strings.NewReplacer(
		"{{organization}}", org.Name,
		"{{week_start}}", window.Start.Format("01/02/2006"),
		"{{week_end}}", window.End.Format("01/02/2006"),
		"{{month}}", monthFileBase(asOf),
	)
	return r.Replace(tmpl)
}

// Summary renders the run outcome as a short plain-text report for
// notifiers and the console.
func (r *RunReport) Summary() string {
	counts := make(map[dispatch.SkipReason]int)
	for _, d := range r.Decisions {
		if d.Outcome == dispatch.OutcomeSkip {
			counts[d.Reason]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dispatch run %s (%s)\n", r.Window.Label(),
		r.ReferenceTime.In(dispatch.Zone()).Format("2006-01-02"))
	if r.DryRun {
		b.WriteString("DRY RUN - nothing was sent or recorded\n")
	}
	sendDecisions := 0
	for _, d := range r.Decisions {
		if d.Outcome == dispatch.OutcomeSend {
			sendDecisions++
		}
	}
	fmt.Fprintf(&b, "Send decisions: %d of %d organizations, dispatched: %d\n",
		sendDecisions, len(r.Decisions), r.Sent)
	for _, reason := range []dispatch.SkipReason{
		dispatch.SkipNoRecipients, dispatch.SkipNoFolder, dispatch.SkipAmbiguousFolder,
		dispatch.SkipNoFile, dispatch.SkipUnreadableDocument, dispatch.SkipNoDatesFound,
		dispatch.SkipNoDatesInWindow, dispatch.SkipAlreadySent,
	} {
		if n := counts[reason]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", reason, n)
		}
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "  SEND FAILED %s\n", f)
	}
	return strings.TrimRight(b.String(), "\n")
}
