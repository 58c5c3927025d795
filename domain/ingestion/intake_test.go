package ingestion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/apperror"
)

// intakeWorld is the shared backing state for the intake fakes, standing in
// for the documents and ingestion_jobs tables.
type intakeWorld struct {
	docs []*documents.Document
	jobs map[uuid.UUID][]*Job
}

func (w *intakeWorld) docByID(id uuid.UUID) *documents.Document {
	for _, doc := range w.docs {
		if doc.ID == id {
			return doc
		}
	}
	return nil
}

type fakeIntakeJobs struct {
	world     *intakeWorld
	createErr error
}

func (f *fakeIntakeJobs) Create(ctx context.Context, job *Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.world.jobs[job.DocumentID] = append(f.world.jobs[job.DocumentID], job)
	return nil
}

func (f *fakeIntakeJobs) GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*Job, error) {
	jobs := f.world.jobs[documentID]
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[len(jobs)-1], nil
}

type fakeIntakeDocs struct {
	world *intakeWorld
}

func (f *fakeIntakeDocs) Create(ctx context.Context, doc *documents.Document) error {
	if f.world.docByID(doc.ID) != nil {
		return apperror.ErrConflict
	}
	f.world.docs = append(f.world.docs, doc)
	return nil
}

// fakeDedup mirrors the duplicator's contract: the any-user lookup only
// returns completed documents, and clones resolve to the target user's
// deterministic document id.
type fakeDedup struct {
	world      *intakeWorld
	namespace  uuid.UUID
	findMisses int
	cloneCalls int
}

func (f *fakeDedup) FindUserDocument(ctx context.Context, userID, contentHash string) (*documents.Document, error) {
	if f.findMisses > 0 {
		f.findMisses--
		return nil, nil
	}
	for _, doc := range f.world.docs {
		if doc.UserID == userID && doc.ContentHash == contentHash {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeDedup) FindAnyDocument(ctx context.Context, contentHash string) (*documents.Document, error) {
	for _, doc := range f.world.docs {
		if doc.ContentHash == contentHash && doc.Status == documents.StatusCompleted {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeDedup) CloneDocumentForUser(ctx context.Context, sourceDocID uuid.UUID, targetUserID, targetFilename string) (*documents.Document, error) {
	source := f.world.docByID(sourceDocID)
	if source == nil {
		return nil, apperror.NewNotFound("document", sourceDocID.String())
	}

	now := time.Now().UTC()
	newID := documents.NewDocumentID(f.namespace, targetUserID, source.ContentHash)
	clone := &documents.Document{
		ID:          newID,
		UserID:      targetUserID,
		Filename:    targetFilename,
		MimeType:    source.MimeType,
		ByteLength:  source.ByteLength,
		ContentHash: source.ContentHash,
		RawPath:     storage.RawArtifactKey(targetUserID, newID, targetFilename, now),
		Status:      source.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.world.docs = append(f.world.docs, clone)
	f.cloneCalls++
	return clone, nil
}

type fakePresigner struct {
	enabled bool
	err     error
	keys    []string
}

func (f *fakePresigner) Enabled() bool { return f.enabled }

func (f *fakePresigner) PresignPut(ctx context.Context, key, contentType string) (*storage.PresignedUpload, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.keys = append(f.keys, key)
	return &storage.PresignedUpload{
		URL:       "https://upload.test/" + key,
		Key:       key,
		ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
	}, nil
}

type intakeFixture struct {
	world  *intakeWorld
	jobs   *fakeIntakeJobs
	docs   *fakeIntakeDocs
	dedup  *fakeDedup
	blobs  *fakePresigner
	cfg    *config.Config
	intake *Intake
}

func newIntakeFixture() *intakeFixture {
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			TerminalStage:  "embedded",
			IDNamespace:    "0f2a4c1e-8f5d-4a3b-9c6e-d71b20c45a9f",
			ChunkerName:    "markdown-simple",
			ChunkerVersion: 1,
		},
		Intake: config.IntakeConfig{MaxFileSizeBytes: 26214400, RequestsPerMinute: 0},
	}

	world := &intakeWorld{jobs: make(map[uuid.UUID][]*Job)}
	f := &intakeFixture{
		world: world,
		jobs:  &fakeIntakeJobs{world: world},
		docs:  &fakeIntakeDocs{world: world},
		dedup: &fakeDedup{world: world, namespace: cfg.Pipeline.Namespace()},
		blobs: &fakePresigner{enabled: true},
		cfg:   cfg,
	}
	f.intake = &Intake{
		jobs:      f.jobs,
		docs:      f.docs,
		dedup:     f.dedup,
		blobs:     f.blobs,
		limiter:   NewUserRateLimiter(cfg.Intake.RequestsPerMinute),
		cfg:       cfg,
		log:       testLogger(),
		terminal:  terminalStage(cfg.Pipeline.TerminalStage),
		namespace: cfg.Pipeline.Namespace(),
	}
	return f
}

func validIntakeRequest(userID string) IntakeRequest {
	return IntakeRequest{
		UserID:      userID,
		Filename:    "report.pdf",
		Mime:        "application/pdf",
		ByteLength:  2048,
		ContentHash: strings.Repeat("ab", 32),
	}
}

func TestIntakeAdmit_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *IntakeRequest)
		wantField string
	}{
		{"missing user", func(r *IntakeRequest) { r.UserID = "" }, "user_id"},
		{"empty filename", func(r *IntakeRequest) { r.Filename = "" }, "filename"},
		{"control-only filename", func(r *IntakeRequest) { r.Filename = "\x01\x02\x1f" }, "filename"},
		{"wrong mime", func(r *IntakeRequest) { r.Mime = "text/plain" }, "mime"},
		{"zero byte length", func(r *IntakeRequest) { r.ByteLength = 0 }, "byte_length"},
		{"negative byte length", func(r *IntakeRequest) { r.ByteLength = -1 }, "byte_length"},
		{"over the size cap", func(r *IntakeRequest) { r.ByteLength = 26214401 }, "byte_length"},
		{"short hash", func(r *IntakeRequest) { r.ContentHash = "abcd" }, "content_hash"},
		{"uppercase hash", func(r *IntakeRequest) { r.ContentHash = strings.Repeat("AB", 32) }, "content_hash"},
		{"non-hex hash", func(r *IntakeRequest) { r.ContentHash = strings.Repeat("zz", 32) }, "content_hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIntakeFixture()
			req := validIntakeRequest("user-a")
			tt.mutate(&req)

			_, err := f.intake.Admit(context.Background(), req)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			appErr, ok := err.(*apperror.Error)
			if !ok {
				t.Fatalf("error type = %T, want *apperror.Error", err)
			}
			if appErr.Code != "invalid_input" || appErr.HTTPStatus != 422 {
				t.Errorf("error = %s/%d, want invalid_input/422", appErr.Code, appErr.HTTPStatus)
			}
			if got := appErr.Details["field"]; got != tt.wantField {
				t.Errorf("field = %v, want %s", got, tt.wantField)
			}
			if len(f.world.docs) != 0 {
				t.Error("expected no document rows from a rejected intake")
			}
		})
	}
}

func TestIntakeAdmit_AcceptsSizeAtCap(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")
	req.ByteLength = 26214400

	if _, err := f.intake.Admit(context.Background(), req); err != nil {
		t.Fatalf("admit at the size cap failed: %v", err)
	}
}

func TestIntakeAdmit_Fresh(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	result, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	wantDocID := documents.NewDocumentID(f.cfg.Pipeline.Namespace(), "user-a", req.ContentHash)
	if result.DocumentID != wantDocID.String() {
		t.Errorf("document id = %s, want the deterministic id %s", result.DocumentID, wantDocID)
	}
	if _, err := uuid.Parse(result.JobID); err != nil {
		t.Errorf("job id %q is not a uuid", result.JobID)
	}

	doc := f.world.docByID(wantDocID)
	if doc == nil {
		t.Fatal("expected a document row")
	}
	if doc.Status != documents.StatusProcessing {
		t.Errorf("document status = %s, want processing", doc.Status)
	}
	if doc.RawPath == "" {
		t.Error("expected a raw artifact path")
	}

	jobs := f.world.jobs[wantDocID]
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Stage != StageJobValidated || job.State != StateQueued {
		t.Errorf("job = %s/%s, want job_validated/queued", job.Stage, job.State)
	}
	if job.Payload.ChunkerName != "markdown-simple" || job.Payload.ChunkerVersion != 1 {
		t.Errorf("payload = %+v, want the configured chunker pinned", job.Payload)
	}

	if result.UploadTarget != "https://upload.test/"+doc.RawPath {
		t.Errorf("upload target = %q", result.UploadTarget)
	}
	if result.UploadExpiresAt == nil {
		t.Error("expected an upload expiry")
	}
}

func TestIntakeAdmit_StripsControlCharsFromFilename(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")
	req.Filename = "re\x00port\n.pdf"

	result, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	doc := f.world.docByID(uuid.MustParse(result.DocumentID))
	if doc.Filename != "report.pdf" {
		t.Errorf("stored filename = %q, want %q", doc.Filename, "report.pdf")
	}
}

func TestIntakeAdmit_OwnCopyInFlight(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	first, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("first admit failed: %v", err)
	}

	second, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}

	if second.DocumentID != first.DocumentID {
		t.Errorf("document id changed: %s vs %s", second.DocumentID, first.DocumentID)
	}
	if second.JobID != first.JobID {
		t.Errorf("expected the active job back, got %s vs %s", second.JobID, first.JobID)
	}
	if len(f.world.jobs[uuid.MustParse(first.DocumentID)]) != 1 {
		t.Error("expected no new job for an in-flight duplicate")
	}

	// The bytes may not have arrived yet; the client gets a target again.
	if second.UploadTarget == "" {
		t.Error("expected an upload target on an in-flight duplicate")
	}
}

func TestIntakeAdmit_OwnCopyCompleted(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	first, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	docID := uuid.MustParse(first.DocumentID)
	f.world.docByID(docID).Status = documents.StatusCompleted

	second, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}

	if second.DocumentID != first.DocumentID {
		t.Errorf("document id changed: %s vs %s", second.DocumentID, first.DocumentID)
	}
	if second.JobID == first.JobID {
		t.Error("expected a fresh job recording the duplicate attempt")
	}

	jobs := f.world.jobs[docID]
	if len(jobs) != 2 {
		t.Fatalf("job count = %d, want 2", len(jobs))
	}
	latest := jobs[1]
	if latest.State != StateDone || latest.Stage != StageEmbedded {
		t.Errorf("duplicate job = %s/%s, want embedded/done", latest.Stage, latest.State)
	}
	if second.UploadTarget != "" {
		t.Error("expected no upload target for completed content")
	}
}

func TestIntakeAdmit_RedrivesDocumentWithoutActiveJob(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	first, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	docID := uuid.MustParse(first.DocumentID)

	// Processing deadlettered; re-uploading re-drives the document.
	f.world.jobs[docID][0].State = StateDeadletter
	f.world.docByID(docID).Status = documents.StatusFailedParse

	second, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}

	if second.JobID == first.JobID {
		t.Error("expected a fresh job for the re-drive")
	}
	jobs := f.world.jobs[docID]
	if len(jobs) != 2 {
		t.Fatalf("job count = %d, want 2", len(jobs))
	}
	if jobs[1].Stage != StageJobValidated || jobs[1].State != StateQueued {
		t.Errorf("re-drive job = %s/%s, want job_validated/queued", jobs[1].Stage, jobs[1].State)
	}
	if second.UploadTarget == "" {
		t.Error("expected an upload target on a re-drive")
	}
}

func TestIntakeAdmit_ClonesCompletedCopyAcrossUsers(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	first, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	f.world.docByID(uuid.MustParse(first.DocumentID)).Status = documents.StatusCompleted

	otherReq := validIntakeRequest("user-b")
	otherReq.Filename = "same-content.pdf"
	second, err := f.intake.Admit(context.Background(), otherReq)
	if err != nil {
		t.Fatalf("cross-user admit failed: %v", err)
	}

	wantCloneID := documents.NewDocumentID(f.cfg.Pipeline.Namespace(), "user-b", otherReq.ContentHash)
	if second.DocumentID != wantCloneID.String() {
		t.Errorf("clone id = %s, want %s", second.DocumentID, wantCloneID)
	}
	if second.DocumentID == first.DocumentID {
		t.Error("expected the clone to be a distinct document")
	}
	if f.dedup.cloneCalls != 1 {
		t.Errorf("clone calls = %d, want 1", f.dedup.cloneCalls)
	}

	clone := f.world.docByID(wantCloneID)
	if clone == nil || clone.UserID != "user-b" {
		t.Fatalf("expected a clone owned by user-b, got %+v", clone)
	}
	if clone.Filename != "same-content.pdf" {
		t.Errorf("clone filename = %q, want the uploader's filename", clone.Filename)
	}

	jobs := f.world.jobs[wantCloneID]
	if len(jobs) != 1 || jobs[0].State != StateDone || jobs[0].Stage != StageEmbedded {
		t.Fatalf("clone job = %+v, want one embedded/done job", jobs)
	}
	if second.UploadTarget != "" {
		t.Error("expected no upload target for cloned content")
	}
}

func TestIntakeAdmit_InFlightCopyIsNotCloned(t *testing.T) {
	f := newIntakeFixture()
	if _, err := f.intake.Admit(context.Background(), validIntakeRequest("user-a")); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}

	// user-a's copy is still processing, so user-b starts from scratch.
	second, err := f.intake.Admit(context.Background(), validIntakeRequest("user-b"))
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}

	if f.dedup.cloneCalls != 0 {
		t.Errorf("clone calls = %d, want 0", f.dedup.cloneCalls)
	}
	docID := uuid.MustParse(second.DocumentID)
	jobs := f.world.jobs[docID]
	if len(jobs) != 1 || jobs[0].Stage != StageJobValidated {
		t.Fatalf("expected a fresh initial job, got %+v", jobs)
	}
	if second.UploadTarget == "" {
		t.Error("expected an upload target for a fresh admission")
	}
}

func TestIntakeAdmit_ConcurrentInsertFoldsToExisting(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	first, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("seed admit failed: %v", err)
	}

	// The racing request misses the existence check, loses the insert, and
	// folds into the own-copy path.
	f.dedup.findMisses = 1
	second, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("racing admit failed: %v", err)
	}

	if second.JobID != first.JobID || second.DocumentID != first.DocumentID {
		t.Errorf("racing admit = %s/%s, want the winner's %s/%s",
			second.DocumentID, second.JobID, first.DocumentID, first.JobID)
	}
	if len(f.world.docs) != 1 {
		t.Errorf("document count = %d, want 1", len(f.world.docs))
	}
}

func TestIntakeAdmit_RateLimited(t *testing.T) {
	f := newIntakeFixture()
	f.intake.limiter = NewUserRateLimiter(6) // burst of one

	if _, err := f.intake.Admit(context.Background(), validIntakeRequest("user-a")); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}

	_, err := f.intake.Admit(context.Background(), validIntakeRequest("user-a"))
	if err != apperror.ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// The limit is per user.
	if _, err := f.intake.Admit(context.Background(), validIntakeRequest("user-b")); err != nil {
		t.Errorf("other user's admit failed: %v", err)
	}
}

func TestIntakeAdmit_PresignFailureIsNotFatal(t *testing.T) {
	f := newIntakeFixture()
	f.blobs.err = context.DeadlineExceeded

	result, err := f.intake.Admit(context.Background(), validIntakeRequest("user-a"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if result.UploadTarget != "" || result.UploadExpiresAt != nil {
		t.Error("expected no upload target when presigning fails")
	}
	if len(f.world.jobs[uuid.MustParse(result.DocumentID)]) != 1 {
		t.Error("expected the job to exist despite the presign failure")
	}
}

func TestIntakeAdmit_StorageDisabled(t *testing.T) {
	f := newIntakeFixture()
	f.blobs.enabled = false

	result, err := f.intake.Admit(context.Background(), validIntakeRequest("user-a"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if result.UploadTarget != "" {
		t.Error("expected no upload target with storage disabled")
	}
	if len(f.blobs.keys) != 0 {
		t.Error("expected no presign calls with storage disabled")
	}
}

func TestIntakeAdmit_JobInsertFailureSelfHeals(t *testing.T) {
	f := newIntakeFixture()
	req := validIntakeRequest("user-a")

	// The document row lands but the job insert dies with the process.
	f.jobs.createErr = context.DeadlineExceeded
	if _, err := f.intake.Admit(context.Background(), req); err == nil {
		t.Fatal("expected the first admit to fail")
	}
	f.jobs.createErr = nil

	result, err := f.intake.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}

	docID := uuid.MustParse(result.DocumentID)
	jobs := f.world.jobs[docID]
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}
	if jobs[0].Stage != StageJobValidated || jobs[0].State != StateQueued {
		t.Errorf("job = %s/%s, want job_validated/queued", jobs[0].Stage, jobs[0].State)
	}
}

func TestStripControlChars(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"report.pdf", "report.pdf"},
		{"re\x00port.pdf", "report.pdf"},
		{"tab\tand\nnewline.pdf", "tabandnewline.pdf"},
		{"\x01\x02\x1f", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := stripControlChars(tt.input); got != tt.want {
			t.Errorf("stripControlChars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
