package manifest

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/casevault/pstcorpus/model"
)

// Collect gathers the exportable items of a case: every visible,
// non-duplicate message and the stored attachments they carry. Hidden
// messages and collapsed duplicates stay in the database but never enter a
// bundle.
func Collect(ctx context.Context, db *gorm.DB, caseID string) ([]Item, error) {
	var messages []model.Message
	err := db.WithContext(ctx).
		Select("id", "subject", "content_hash").
		Where("case_id = ? AND is_hidden = ? AND is_duplicate = ?", caseID, false, false).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	items := make([]Item, 0, len(messages))
	messageIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		messageIDs = append(messageIDs, m.ID)
		items = append(items, Item{
			ID:          m.ID,
			Kind:        KindEmail,
			Title:       m.Subject,
			ContentHash: m.ContentHash,
		})
	}
	if len(messageIDs) == 0 {
		return items, nil
	}

	var attachments []model.Attachment
	err = db.WithContext(ctx).
		Select("id", "filename", "digest", "storage_key").
		Where("message_id IN ? AND status = ?", messageIDs, model.AttachmentStored).
		Find(&attachments).Error
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}

	for _, a := range attachments {
		items = append(items, Item{
			ID:         a.ID,
			Kind:       KindAttachment,
			Title:      a.Filename,
			Digest:     a.Digest,
			StorageKey: a.StorageKey,
		})
	}
	return items, nil
}
