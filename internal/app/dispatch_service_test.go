// internal/app/dispatch_service_test.go
package app

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"invoice_dispatch_bot/internal/domain/dispatch"
	"invoice_dispatch_bot/internal/domain/mail"
	"invoice_dispatch_bot/internal/domain/organization"
	"invoice_dispatch_bot/internal/infra/history"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference instant for most tests: Friday 2026-02-13, so the window is
// Monday 2026-02-09 through Friday 2026-02-13 and the month document is
// "February 2026.docx".
func testAsOf() time.Time {
	return time.Date(2026, time.February, 13, 12, 0, 0, 0, dispatch.Zone())
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// writeDocx creates a minimal .docx whose paragraphs carry the given texts.
func writeDocx(t *testing.T, path string, texts ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	body := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	for _, text := range texts {
		body += `<w:p><w:r><w:t>` + text + `</w:t></w:r></w:p>`
	}
	body += `</w:body></w:document>`
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []*mail.Request
	fail  error
	delay time.Duration
}

func (m *fakeMailer) Send(ctx context.Context, req *mail.Request) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	m.sent = append(m.sent, req)
	return fmt.Sprintf("msg-%d", len(m.sent)), nil
}

func (m *fakeMailer) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type failingRepo struct{}

func (failingRepo) Exists(context.Context, dispatch.Key) (bool, error) {
	return false, errors.New("history store down")
}
func (failingRepo) Append(context.Context, *dispatch.Record) error {
	return errors.New("history store down")
}
func (failingRepo) List(context.Context, string) ([]*dispatch.Record, error) {
	return nil, errors.New("history store down")
}
func (failingRepo) WithKeyLock(context.Context, dispatch.Key, func(dispatch.Guard) error) error {
	return errors.New("history store down")
}

func org(name, keyword string, recipients ...string) organization.Organization {
	return organization.Organization{Name: name, FolderKeyword: keyword, Recipients: recipients}
}

func newTestService(t *testing.T, root string, orgs []organization.Organization, mailer mail.Mailer) (*DispatchService, *history.FileRepository) {
	t.Helper()
	repo := history.NewFileRepository(filepath.Join(t.TempDir(), "history.jsonl"))
	svc, err := NewDispatchService(orgs, repo, mailer, testLogger(), root, false)
	require.NoError(t, err)
	return svc, repo
}

func decisionFor(t *testing.T, report *RunReport, org string) *dispatch.Decision {
	t.Helper()
	for i := range report.Decisions {
		if report.Decisions[i].Organization == org {
			return &report.Decisions[i]
		}
	}
	t.Fatalf("no decision for organization %q", org)
	return nil
}

func TestRun_SendsWhenDateFallsInWindow(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP Invoices"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP Invoices", "February 2026.docx"),
		"Appearance on 2/11/26", "Adjourned to 2/17/26")

	mailer := &fakeMailer{}
	svc, repo := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)

	d := decisionFor(t, report, "ACME LLP")
	assert.Equal(t, dispatch.OutcomeSend, d.Outcome)
	assert.Equal(t, []dispatch.Date{{Year: 2026, Month: time.February, Day: 11}}, d.MatchedDates,
		"only the in-window date is matched")
	assert.Equal(t, "Weekly Statement of Account - ACME LLP - Week of 02/09/2026", d.Subject)
	assert.Equal(t, 1, report.Sent)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"billing@acme.example"}, mailer.sent[0].To)
	assert.Equal(t, filepath.Join(root, "ACME LLP Invoices", "February 2026.docx"),
		mailer.sent[0].AttachmentPath)

	exists, err := repo.Exists(context.Background(), d.Key())
	require.NoError(t, err)
	assert.True(t, exists, "confirmed send must be recorded")
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}, mailer)

	first, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	require.Equal(t, 1, first.Sent)

	second, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Sent)
	d := decisionFor(t, second, "ACME LLP")
	assert.Equal(t, dispatch.OutcomeSkip, d.Outcome)
	assert.Equal(t, dispatch.SkipAlreadySent, d.Reason)
	assert.Len(t, mailer.sent, 1, "no second send for the same key")
}

// Two runs sharing one history file, such as a manual run racing the
// scheduled one, or two hosts on a shared path. The key lock serializes
// check-then-record, so exactly one run dispatches.
func TestRun_ConcurrentRunsDispatchKeyOnce(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	historyPath := filepath.Join(t.TempDir(), "history.jsonl")
	orgs := []organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}
	mailer := &fakeMailer{delay: 50 * time.Millisecond}

	// Separate repository instances on the same path, as two processes
	// would have.
	repoA := history.NewFileRepository(historyPath)
	repoB := history.NewFileRepository(historyPath)
	svcA, err := NewDispatchService(orgs, repoA, mailer, testLogger(), root, false)
	require.NoError(t, err)
	svcB, err := NewDispatchService(orgs, repoB, mailer, testLogger(), root, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	reports := make([]*RunReport, 2)
	errs := make([]error, 2)
	for i, svc := range []*DispatchService{svcA, svcB} {
		wg.Add(1)
		go func(i int, svc *DispatchService) {
			defer wg.Done()
			reports[i], errs[i] = svc.Run(context.Background(), testAsOf())
		}(i, svc)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, 1, mailer.sendCount(), "the same key must be dispatched at most once")
	assert.Equal(t, 1, reports[0].Sent+reports[1].Sent)

	records, err := repoA.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, records, 1, "one record per key")

	sends, skips := 0, 0
	for _, report := range reports {
		d := decisionFor(t, report, "ACME LLP")
		switch d.Outcome {
		case dispatch.OutcomeSend:
			sends++
		case dispatch.OutcomeSkip:
			skips++
			assert.Equal(t, dispatch.SkipAlreadySent, d.Reason)
		}
	}
	assert.Equal(t, 1, sends)
	assert.Equal(t, 1, skips)
}

func TestRun_SkipsWhenNoDateInWindow(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "Adjourned to 2/17/26")

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	d := decisionFor(t, report, "ACME LLP")
	assert.Equal(t, dispatch.SkipNoDatesInWindow, d.Reason)
	assert.Empty(t, mailer.sent)
}

func TestRun_AmbiguousFolderNeverSends(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "XYZ Partners"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "Old XYZ Partners"), 0o755))

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root,
		[]organization.Organization{org("XYZ", "XYZ", "billing@xyz.example")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	d := decisionFor(t, report, "XYZ")
	assert.Equal(t, dispatch.SkipAmbiguousFolder, d.Reason)
	assert.Contains(t, d.Detail, "Old XYZ Partners")
	assert.Empty(t, mailer.sent)
}

func TestRun_NoRecipientsSkipsEvenWithMatchingDate(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	assert.Equal(t, dispatch.SkipNoRecipients, decisionFor(t, report, "ACME LLP").Reason)
	assert.Empty(t, mailer.sent)
}

func TestRun_SkipReasonsForMissingPieces(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Empty Folder Firm"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "Noise Firm"), 0o755))
	writeDocx(t, filepath.Join(root, "Noise Firm", "February 2026.docx"),
		"No dates here, only totals: $1,250.00")
	require.NoError(t, os.Mkdir(filepath.Join(root, "Corrupt Firm"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "Corrupt Firm", "February 2026.docx"), []byte("not a docx"), 0o644))

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root, []organization.Organization{
		org("Ghost", "ghost", "a@example.com"),
		org("Empty", "empty folder", "b@example.com"),
		org("Noise", "noise", "c@example.com"),
		org("Corrupt", "corrupt", "d@example.com"),
	}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	assert.Equal(t, dispatch.SkipNoFolder, decisionFor(t, report, "Ghost").Reason)
	assert.Equal(t, dispatch.SkipNoFile, decisionFor(t, report, "Empty").Reason)
	assert.Equal(t, dispatch.SkipNoDatesFound, decisionFor(t, report, "Noise").Reason)
	assert.Equal(t, dispatch.SkipUnreadableDocument, decisionFor(t, report, "Corrupt").Reason)
	assert.Empty(t, mailer.sent)
}

func TestRun_PrefersPDFAttachment(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "ACME LLP")
	require.NoError(t, os.Mkdir(dir, 0o755))
	writeDocx(t, filepath.Join(dir, "February 2026.docx"), "2/11/26")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "February 2026.pdf"), []byte("%PDF-1.4"), 0o644))

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	d := decisionFor(t, report, "ACME LLP")
	assert.Equal(t, filepath.Join(dir, "February 2026.pdf"), d.Attachment,
		"PDF preferred as attachment")
	assert.Equal(t, filepath.Join(dir, "February 2026.docx"), d.TextSource,
		"PDF never used as text source")
	assert.Equal(t, "February 2026.docx", d.SourceFileID(),
		"dispatch identity follows the text source")
}

func TestRun_DryRunSuppressesSendAndRecord(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	repo := history.NewFileRepository(filepath.Join(t.TempDir(), "history.jsonl"))
	svc, err := NewDispatchService(
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")},
		repo, nil, testLogger(), root, true)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	d := decisionFor(t, report, "ACME LLP")
	assert.Equal(t, dispatch.OutcomeSend, d.Outcome, "decision still reported")
	assert.Equal(t, 0, report.Sent)

	exists, err := repo.Exists(context.Background(), d.Key())
	require.NoError(t, err)
	assert.False(t, exists, "dry run must not record")
}

func TestRun_MailerFailureIsNotRecorded(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	mailer := &fakeMailer{fail: errors.New("smtp unreachable")}
	svc, repo := newTestService(t, root,
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err, "a send failure is not a run failure")
	assert.Equal(t, 0, report.Sent)
	require.Len(t, report.Failures, 1)

	key := decisionFor(t, report, "ACME LLP").Key()
	exists, err := repo.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, exists, "unconfirmed dispatch must not be recorded")

	// The next run retries the key.
	mailer.fail = nil
	retry, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Sent)
}

func TestRun_HistoryFailureAbortsRun(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	svc, err := NewDispatchService(
		[]organization.Organization{org("ACME LLP", "acme", "billing@acme.example")},
		failingRepo{}, &fakeMailer{}, testLogger(), root, false)
	require.NoError(t, err)

	_, err = svc.Run(context.Background(), testAsOf())
	assert.Error(t, err, "an unusable history store is a hard failure")
}

func TestRun_OrganizationsAreIndependent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root, []organization.Organization{
		org("Ghost", "ghost", "a@example.com"),
		org("ACME LLP", "acme", "billing@acme.example"),
		org("No Recipients", "acme"),
	}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	require.Len(t, report.Decisions, 3, "every organization gets a decision")
	assert.Equal(t, dispatch.OutcomeSend, decisionFor(t, report, "ACME LLP").Outcome)
	assert.Equal(t, 1, report.Sent)
}

func TestRun_TemplateRendering(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "ACME LLP"), 0o755))
	writeDocx(t, filepath.Join(root, "ACME LLP", "February 2026.docx"), "2/11/26")

	custom := org("ACME LLP", "acme", "billing@acme.example")
	custom.Template = "Statement for {{organization}}, {{week_start}} through {{week_end}} ({{month}})."

	mailer := &fakeMailer{}
	svc, _ := newTestService(t, root, []organization.Organization{custom}, mailer)

	report, err := svc.Run(context.Background(), testAsOf())
	require.NoError(t, err)
	assert.Equal(t,
		"Statement for ACME LLP, 02/09/2026 through 02/13/2026 (February 2026).",
		decisionFor(t, report, "ACME LLP").Body)
}
