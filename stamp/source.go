package stamp

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/model"
)

// SourceTypeEmail stamps spans of a message's canonical body.
const SourceTypeEmail = "email"

// DBSource resolves source text from the relational store.
type DBSource struct {
	db *gorm.DB
}

func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

func (s *DBSource) Text(ctx context.Context, sourceType, sourceID string) (string, error) {
	switch sourceType {
	case SourceTypeEmail:
		var row struct{ CanonicalBody string }
		err := s.db.WithContext(ctx).
			Model(&model.Message{}).
			Select("canonical_body").
			Where("id = ?", sourceID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s/%s", ErrSourceNotFound, sourceType, sourceID)
		}
		if err != nil {
			return "", fmt.Errorf("load message text: %w", err)
		}
		return row.CanonicalBody, nil
	default:
		return "", fmt.Errorf("%w: unknown source type %q", ErrSourceNotFound, sourceType)
	}
}
