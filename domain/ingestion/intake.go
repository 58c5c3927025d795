package ingestion

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docmill/docmill/domain/documents"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/storage"
	"github.com/docmill/docmill/pkg/apperror"
	"github.com/docmill/docmill/pkg/logger"
)

const pdfMimeType = "application/pdf"

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IntakeRequest is the input for admitting a document into the pipeline.
// The content hash is the lowercase hex SHA-256 of the bytes the client is
// about to upload.
type IntakeRequest struct {
	UserID      string `json:"-"`
	Filename    string `json:"filename"`
	Mime        string `json:"mime"`
	ByteLength  int64  `json:"byte_length"`
	ContentHash string `json:"content_hash"`
}

// IntakeResult is the intake response. The upload target is a presigned PUT
// URL; it is absent when the document's bytes are already stored.
type IntakeResult struct {
	JobID           string     `json:"job_id"`
	DocumentID      string     `json:"document_id"`
	UploadTarget    string     `json:"upload_target,omitempty"`
	UploadExpiresAt *time.Time `json:"upload_expires_at,omitempty"`
}

// intakeJobs is the queue surface intake uses; *Store satisfies it.
type intakeJobs interface {
	Create(ctx context.Context, job *Job) error
	GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*Job, error)
}

// intakeDocuments creates fresh document rows; *documents.Repository
// satisfies it.
type intakeDocuments interface {
	Create(ctx context.Context, doc *documents.Document) error
}

// dedupService is the three-operation duplicator; *documents.Duplicator
// satisfies it.
type dedupService interface {
	FindUserDocument(ctx context.Context, userID, contentHash string) (*documents.Document, error)
	FindAnyDocument(ctx context.Context, contentHash string) (*documents.Document, error)
	CloneDocumentForUser(ctx context.Context, sourceDocID uuid.UUID, targetUserID, targetFilename string) (*documents.Document, error)
}

// presigner mints upload targets; *storage.Service satisfies it.
type presigner interface {
	Enabled() bool
	PresignPut(ctx context.Context, key, contentType string) (*storage.PresignedUpload, error)
}

// Intake admits uploads: it validates the request, deduplicates by content
// hash, and creates the document and job rows that drive the pipeline.
//
// Dedup order: the user's own copy wins, then any user's completed copy is
// cloned (chunks and vectors included, no reprocessing), and only novel
// content gets a job at the initial stage.
type Intake struct {
	jobs    intakeJobs
	docs    intakeDocuments
	dedup   dedupService
	blobs   presigner
	limiter *UserRateLimiter
	cfg     *config.Config
	log     *slog.Logger

	terminal  Stage
	namespace uuid.UUID
}

// NewIntake creates the intake service.
func NewIntake(
	store *Store,
	docs *documents.Repository,
	dedup *documents.Duplicator,
	blobs *storage.Service,
	cfg *config.Config,
	log *slog.Logger,
) *Intake {
	return &Intake{
		jobs:      store,
		docs:      docs,
		dedup:     dedup,
		blobs:     blobs,
		limiter:   NewUserRateLimiter(cfg.Intake.RequestsPerMinute),
		cfg:       cfg,
		log:       log.With(logger.Scope("ingestion.intake")),
		terminal:  terminalStage(cfg.Pipeline.TerminalStage),
		namespace: cfg.Pipeline.Namespace(),
	}
}

// Admit validates and admits an upload, returning the job handle and, when
// an upload is actually needed, a presigned PUT target.
func (i *Intake) Admit(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if !i.limiter.Allow(req.UserID) {
		intakeRequests.WithLabelValues("rate_limited").Inc()
		return nil, apperror.ErrRateLimited
	}

	cleaned, err := i.validate(&req)
	if err != nil {
		intakeRequests.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// 1. The user's own copy: idempotent re-upload.
	if doc, err := i.dedup.FindUserDocument(ctx, req.UserID, req.ContentHash); err != nil {
		return nil, err
	} else if doc != nil {
		return i.admitExisting(ctx, doc)
	}

	// 2. Someone else's completed copy: clone it, chunks and vectors
	// included, and anchor the job at the terminal stage.
	if source, err := i.dedup.FindAnyDocument(ctx, req.ContentHash); err != nil {
		return nil, err
	} else if source != nil {
		clone, err := i.dedup.CloneDocumentForUser(ctx, source.ID, req.UserID, cleaned)
		if err != nil {
			return nil, err
		}

		job := NewTerminalJob(clone.ID, i.terminal, i.payload())
		if err := i.jobs.Create(ctx, job); err != nil {
			return nil, err
		}

		intakeRequests.WithLabelValues("cloned").Inc()
		i.log.Info("document cloned for user",
			slog.String("source_document_id", source.ID.String()),
			slog.String("document_id", clone.ID.String()),
			slog.String("job_id", job.ID.String()))
		return &IntakeResult{JobID: job.ID.String(), DocumentID: clone.ID.String()}, nil
	}

	// 3. Novel content: fresh document and a job at the initial stage.
	return i.admitFresh(ctx, req, cleaned)
}

// admitExisting resolves an intake that hit the user's own copy.
//
// A completed document gets a fresh done job recording the attempt; a
// document still in flight returns its active job unchanged. Documents left
// without an active job (an earlier intake died half-way, or processing
// deadlettered) get a fresh job at the initial stage, so re-uploading is
// also how a user re-drives a failed document.
func (i *Intake) admitExisting(ctx context.Context, doc *documents.Document) (*IntakeResult, error) {
	intakeRequests.WithLabelValues("duplicate").Inc()

	if doc.Status == documents.StatusCompleted {
		job := NewTerminalJob(doc.ID, i.terminal, i.payload())
		if err := i.jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		return &IntakeResult{JobID: job.ID.String(), DocumentID: doc.ID.String()}, nil
	}

	job, err := i.jobs.GetLatestByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.State.Terminal() {
		job = NewJob(doc.ID, i.payload())
		if err := i.jobs.Create(ctx, job); err != nil {
			return nil, err
		}
		i.log.Info("re-enqueued document without an active job",
			slog.String("document_id", doc.ID.String()),
			slog.String("job_id", job.ID.String()))
	}

	result := &IntakeResult{JobID: job.ID.String(), DocumentID: doc.ID.String()}

	// The raw bytes may not have arrived yet; hand back an upload target
	// for the same raw path so the client can finish the upload.
	i.attachUploadTarget(ctx, result, doc.RawPath)
	return result, nil
}

// admitFresh writes a new document row and its initial job.
//
// The two inserts are deliberately not transactional: if the job insert
// fails, the next intake for the same content finds the document without an
// active job and re-enqueues it.
func (i *Intake) admitFresh(ctx context.Context, req IntakeRequest, cleaned string) (*IntakeResult, error) {
	now := time.Now().UTC()
	docID := documents.NewDocumentID(i.namespace, req.UserID, req.ContentHash)

	doc := &documents.Document{
		ID:          docID,
		UserID:      req.UserID,
		Filename:    cleaned,
		MimeType:    req.Mime,
		ByteLength:  req.ByteLength,
		ContentHash: req.ContentHash,
		RawPath:     storage.RawArtifactKey(req.UserID, docID, cleaned, now),
		Status:      documents.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := i.docs.Create(ctx, doc); err != nil {
		// A concurrent intake for the same content won the insert; fold
		// into the own-copy path.
		if appErr, ok := err.(*apperror.Error); ok && appErr.Code == "conflict" {
			if existing, findErr := i.dedup.FindUserDocument(ctx, req.UserID, req.ContentHash); findErr == nil && existing != nil {
				return i.admitExisting(ctx, existing)
			}
		}
		return nil, err
	}

	job := NewJob(docID, i.payload())
	if err := i.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	intakeRequests.WithLabelValues("created").Inc()
	i.log.Info("document admitted",
		slog.String("document_id", docID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("user_id", req.UserID),
		slog.Int64("byte_length", req.ByteLength))

	result := &IntakeResult{JobID: job.ID.String(), DocumentID: docID.String()}
	i.attachUploadTarget(ctx, result, doc.RawPath)
	return result, nil
}

// attachUploadTarget mints a presigned PUT for the raw path when storage is
// configured. Failure to presign is not fatal to intake: the job exists and
// the client can retry intake to get a fresh target.
func (i *Intake) attachUploadTarget(ctx context.Context, result *IntakeResult, rawPath string) {
	if !i.blobs.Enabled() {
		return
	}

	presigned, err := i.blobs.PresignPut(ctx, rawPath, pdfMimeType)
	if err != nil {
		i.log.Warn("presign upload target failed",
			slog.String("raw_path", rawPath),
			logger.Error(err))
		return
	}

	result.UploadTarget = presigned.URL
	result.UploadExpiresAt = &presigned.ExpiresAt
}

// payload pins the chunker identity for the job's lifetime.
func (i *Intake) payload() Payload {
	return Payload{
		ChunkerName:    i.cfg.Pipeline.ChunkerName,
		ChunkerVersion: i.cfg.Pipeline.ChunkerVersion,
	}
}

// validate applies the intake contract and returns the cleaned filename.
func (i *Intake) validate(req *IntakeRequest) (string, error) {
	if req.UserID == "" {
		return "", apperror.NewInvalidInput("user_id", "user id is required")
	}

	cleaned := stripControlChars(req.Filename)
	if cleaned == "" {
		return "", apperror.NewInvalidInput("filename", "filename must be non-empty after removing control characters")
	}

	if req.Mime != pdfMimeType {
		return "", apperror.NewInvalidInput("mime", "mime must be application/pdf")
	}

	if req.ByteLength <= 0 {
		return "", apperror.NewInvalidInput("byte_length", "byte length must be positive")
	}
	if max := i.cfg.Intake.EffectiveMaxFileSize(); req.ByteLength > max {
		return "", apperror.NewInvalidInput("byte_length", "file exceeds the maximum upload size")
	}

	if !contentHashPattern.MatchString(req.ContentHash) {
		return "", apperror.NewInvalidInput("content_hash", "content hash must be 64 lowercase hex characters")
	}

	return cleaned, nil
}

// stripControlChars removes code points below 0x20 from a filename.
func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
}
