package model

import "time"

// MessageStatus reflects the early-gate classification outcome for a message.
type MessageStatus string

const (
	StatusNormal       MessageStatus = "normal"
	StatusSpam         MessageStatus = "spam"
	StatusOtherProject MessageStatus = "other_project"
)

// DedupeLevel identifies the tier at which a duplicate was detected.
type DedupeLevel string

const (
	LevelMessageID DedupeLevel = "A"
	LevelStrict    DedupeLevel = "B"
	LevelRelaxed   DedupeLevel = "C"
)

// AttachmentStatus tracks the storage outcome for an attachment blob.
type AttachmentStatus string

const (
	AttachmentStored AttachmentStatus = "stored"
	AttachmentFailed AttachmentStatus = "failed"
)

// ArchiveFile is one ingested mail-archive container. The source archive itself
// is never modified; this row tracks processing state and completeness counters.
type ArchiveFile struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	CaseID    string `gorm:"type:varchar(64);index"`
	Path      string
	SizeBytes int64

	Status            string `gorm:"type:varchar(16);index"`
	TotalMessages     int
	ProcessedMessages int
	HiddenMessages    int
	SkippedFolders    int
	ErrorMessage      string

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	CreatedAt             time.Time
}

const (
	ArchivePending    = "pending"
	ArchiveProcessing = "processing"
	ArchiveCompleted  = "completed"
	ArchiveFailed     = "failed"
)

// Message is one archived email. Created once during traversal; only the
// early-gate classifier (visibility fields) and the deduplication engine
// (dedupe fields) mutate it afterwards. Rows are flagged, never deleted.
type Message struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	ArchiveFileID string `gorm:"type:varchar(36);index"`
	CaseID        string `gorm:"type:varchar(64);index"`

	// IngestSeq is the position in traversal order. It is the deterministic
	// tie-break for dedupe winner election and must be stable across re-runs
	// of the same archive.
	IngestSeq int64 `gorm:"index"`

	// Threading metadata. Persisted even for hidden messages so replies to a
	// hidden message still resolve.
	MessageID  string `gorm:"type:varchar(512);index"`
	InReplyTo  string `gorm:"type:varchar(512)"`
	References string
	ThreadID   string `gorm:"type:varchar(512);index"`

	FolderPath  string
	Subject     string
	SenderName  string
	SenderEmail string `gorm:"type:varchar(320)"`

	RecipientsTo  []string `gorm:"serializer:json"`
	RecipientsCc  []string `gorm:"serializer:json"`
	RecipientsBcc []string `gorm:"serializer:json"`

	DateSent     *time.Time `gorm:"index"`
	DateReceived *time.Time

	BodyText      string
	BodyHTML      string
	CanonicalBody string
	ContentHash   string `gorm:"type:varchar(64);index"`
	RelaxedHash   string `gorm:"type:varchar(64);index"`

	HasAttachments bool

	// Visibility, set by the early-gate classifier.
	IsHidden         bool          `gorm:"index"`
	Status           MessageStatus `gorm:"type:varchar(16);index"`
	ClassifyScore    int
	ClassifyCategory string `gorm:"type:varchar(32)"`
	// OtherProject is the display name of the unrelated project that caused
	// the exclusion, empty for every other status.
	OtherProject string `gorm:"type:varchar(64)"`

	// Dedupe outcome, set by the deduplication engine.
	IsDuplicate        bool        `gorm:"index"`
	CanonicalMessageID *string     `gorm:"type:varchar(36);index"`
	DedupeLevel        DedupeLevel `gorm:"type:varchar(1)"`

	CreatedAt time.Time
}

// Attachment belongs to exactly one Message. Storage bytes are shared between
// attachments with the same digest; only the first writer owns the upload.
type Attachment struct {
	ID        string `gorm:"type:varchar(36);primaryKey"`
	MessageID string `gorm:"type:varchar(36);index"`

	Filename    string
	ContentType string `gorm:"type:varchar(128)"`
	SizeBytes   int64

	Digest      string `gorm:"type:varchar(64);index"`
	StorageKey  string
	IsDuplicate bool
	IsInline    bool

	Status AttachmentStatus `gorm:"type:varchar(16);index"`
	Error  string

	CreatedAt time.Time
}

// DedupeDecision is the immutable audit record for one collapsed duplicate.
// Never updated or deleted; this is the evidentiary trail.
type DedupeDecision struct {
	ID    string `gorm:"type:varchar(36);primaryKey"`
	RunID string `gorm:"type:varchar(26);index"`

	WinnerMessageID string `gorm:"type:varchar(36);index"`
	LoserMessageID  string `gorm:"type:varchar(36);uniqueIndex"`

	Level       DedupeLevel `gorm:"type:varchar(1)"`
	MatchValue  string      // the normalized message-id or digest that matched
	StrictHash  string      `gorm:"type:varchar(64)"`
	RelaxedHash string      `gorm:"type:varchar(64)"`

	CreatedAt time.Time
}

// FolderSkip records a folder that could not be read during traversal, so the
// completeness of a run can be audited afterwards.
type FolderSkip struct {
	ID            string `gorm:"type:varchar(36);primaryKey"`
	ArchiveFileID string `gorm:"type:varchar(36);index"`
	FolderPath    string
	Reason        string
	CreatedAt     time.Time
}
