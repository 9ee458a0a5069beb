// Package stamp issues and verifies deterministic evidence pointers: a URI
// that pins a character span of a source text together with a digest prefix
// of the span's normalized content. A pointer either verifies against the
// current text or fails with a specific reason; there is no silent pass.
package stamp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// HashPrefixLen is how many hex digits of the span digest are embedded in the
// pointer.
const HashPrefixLen = 10

const (
	ReasonMalformedPointer = "malformed pointer"
	ReasonSourceNotFound   = "source not found"
	ReasonRangeOutOfBounds = "range out of bounds"
	ReasonContentMismatch  = "content hash mismatch"
)

var (
	ErrMalformedPointer = errors.New(ReasonMalformedPointer)
	// ErrSourceNotFound is returned by TextSource implementations for unknown
	// sources.
	ErrSourceNotFound = errors.New(ReasonSourceNotFound)
	ErrInvalidSpan    = errors.New("invalid span offsets")
)

var (
	pointerRe       = regexp.MustCompile(`^dep://([^/]+)/([^/]+)/([^/]+)/chars_(\d+)-(\d+)#([a-f0-9]+)$`)
	whitespaceRunRe = regexp.MustCompile(`[ \t]+`)
)

// Pointer is a parsed evidence pointer. Offsets are character (rune) indexes
// into the stored source text, end exclusive.
type Pointer struct {
	CaseID     string
	SourceType string
	SourceID   string
	Start      int
	End        int
	HashPrefix string
}

// URI renders the canonical string form.
func (p Pointer) URI() string {
	return fmt.Sprintf("dep://%s/%s/%s/chars_%d-%d#%s",
		p.CaseID, p.SourceType, p.SourceID, p.Start, p.End, p.HashPrefix)
}

// Parse decodes a pointer URI. It is pure and does not touch any source.
func Parse(uri string) (Pointer, error) {
	m := pointerRe.FindStringSubmatch(uri)
	if m == nil {
		return Pointer{}, fmt.Errorf("%w: %q", ErrMalformedPointer, uri)
	}
	start, err := strconv.Atoi(m[4])
	if err != nil {
		return Pointer{}, fmt.Errorf("%w: %q", ErrMalformedPointer, uri)
	}
	end, err := strconv.Atoi(m[5])
	if err != nil || end < start {
		return Pointer{}, fmt.Errorf("%w: %q", ErrMalformedPointer, uri)
	}
	return Pointer{
		CaseID:     m[1],
		SourceType: m[2],
		SourceID:   m[3],
		Start:      start,
		End:        end,
		HashPrefix: m[6],
	}, nil
}

// NormalizeForHash is the deterministic normalization applied to span text
// before hashing. Span offsets address the stored text; only the digest uses
// the normalized form, so cosmetic whitespace differences do not break
// verification.
func NormalizeForHash(text string) string {
	if text == "" {
		return ""
	}
	n := strings.ReplaceAll(text, "\r\n", "\n")
	n = strings.ReplaceAll(n, "\r", "\n")
	n = strings.ReplaceAll(n, "\u00a0", " ")
	n = whitespaceRunRe.ReplaceAllString(n, " ")

	lines := strings.Split(n, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SpanHash digests the normalized [start,end) character span of sourceText.
func SpanHash(sourceText string, start, end int) (string, error) {
	if start < 0 || end < start {
		return "", ErrInvalidSpan
	}
	runes := []rune(sourceText)
	if end > len(runes) {
		return "", ErrInvalidSpan
	}
	sum := sha256.Sum256([]byte(NormalizeForHash(string(runes[start:end]))))
	return hex.EncodeToString(sum[:]), nil
}

// TextSource fetches the current stored text of a source record.
type TextSource interface {
	Text(ctx context.Context, sourceType, sourceID string) (string, error)
}

// Service stamps and verifies pointers against a TextSource.
type Service struct {
	source TextSource
}

func NewService(source TextSource) *Service {
	return &Service{source: source}
}

// Stamp issues a pointer for the given span of the source's current text.
func (s *Service) Stamp(ctx context.Context, caseID, sourceType, sourceID string, start, end int) (Pointer, error) {
	text, err := s.source.Text(ctx, sourceType, sourceID)
	if err != nil {
		return Pointer{}, err
	}
	hash, err := SpanHash(text, start, end)
	if err != nil {
		return Pointer{}, fmt.Errorf("span %d-%d: %w", start, end, err)
	}
	return Pointer{
		CaseID:     caseID,
		SourceType: sourceType,
		SourceID:   sourceID,
		Start:      start,
		End:        end,
		HashPrefix: hash[:HashPrefixLen],
	}, nil
}

// Result is a verification outcome. Invalid results always carry the reason
// and, when the span was readable, the current excerpt for review.
type Result struct {
	Valid   bool
	Reason  string
	Excerpt string
}

// Verify re-fetches the source, re-slices the span, recomputes the digest and
// compares it to the pointer's prefix. Infrastructure failures are returned
// as errors; every integrity failure is an invalid Result with a reason.
func (s *Service) Verify(ctx context.Context, uri string) (Result, error) {
	ptr, err := Parse(uri)
	if err != nil {
		return Result{Reason: ReasonMalformedPointer}, nil
	}

	text, err := s.source.Text(ctx, ptr.SourceType, ptr.SourceID)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			return Result{Reason: ReasonSourceNotFound}, nil
		}
		return Result{}, err
	}

	runes := []rune(text)
	if ptr.End > len(runes) {
		return Result{Reason: ReasonRangeOutOfBounds}, nil
	}
	excerpt := string(runes[ptr.Start:ptr.End])

	hash, err := SpanHash(text, ptr.Start, ptr.End)
	if err != nil {
		return Result{Reason: ReasonRangeOutOfBounds}, nil
	}
	if !strings.HasPrefix(hash, ptr.HashPrefix) {
		return Result{Reason: ReasonContentMismatch, Excerpt: excerpt}, nil
	}
	return Result{Valid: true, Excerpt: excerpt}, nil
}
