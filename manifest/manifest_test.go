package manifest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/pstcorpus/database"
	"github.com/casevault/pstcorpus/model"
)

func sampleItems() []Item {
	return []Item{
		{ID: "m2", Kind: KindEmail, Title: "Re: drainage", ContentHash: "hash2"},
		{ID: "a1", Kind: KindAttachment, Title: "report.pdf", Digest: "dig1", StorageKey: "attachments/di/dig1"},
		{ID: "m1", Kind: KindEmail, Title: "drainage", ContentHash: "hash1", Pointers: []string{"dep://c/email/m1/chars_5-9#bb", "dep://c/email/m1/chars_0-4#aa"}},
	}
}

func TestBuildDeterministicAcrossInputOrder(t *testing.T) {
	items := sampleItems()
	reversed := []Item{items[2], items[1], items[0]}

	first, err := Build("case-1", "bundle-1", items)
	require.NoError(t, err)
	second, err := Build("case-1", "bundle-1", reversed)
	require.NoError(t, err)

	assert.Equal(t, first.Manifest, second.Manifest)
	assert.Equal(t, first.ManifestSHA256, second.ManifestSHA256)
	assert.Equal(t, first.Hashes, second.Hashes)
}

func TestBuildStructure(t *testing.T) {
	out, err := Build("case-1", "bundle-1", sampleItems())
	require.NoError(t, err)

	var bundle Bundle
	require.NoError(t, json.Unmarshal(out.Manifest, &bundle))
	assert.Equal(t, SchemaVersion, bundle.Schema)
	assert.Equal(t, "case-1", bundle.CaseID)
	assert.Equal(t, "bundle-1", bundle.BundleID)

	require.Len(t, bundle.Items, 3)
	assert.Equal(t, []string{"a1", "m1", "m2"}, []string{bundle.Items[0].ID, bundle.Items[1].ID, bundle.Items[2].ID})
	// Pointer lists are sorted too.
	assert.Equal(t, []string{"dep://c/email/m1/chars_0-4#aa", "dep://c/email/m1/chars_5-9#bb"}, bundle.Items[1].Pointers)

	// No timestamps anywhere: rebuilding later must not change the bytes.
	assert.NotContains(t, string(out.Manifest), "generated_at")

	hashes := string(out.Hashes)
	assert.True(t, strings.HasPrefix(hashes, "manifest_sha256="+out.ManifestSHA256+"\n"))
	assert.Contains(t, hashes, "item_id=m1\n  content_hash=hash1\n")
	assert.Contains(t, hashes, "item_id=a1\n  digest=dig1\n")
}

func TestBuildRejectsMissingID(t *testing.T) {
	_, err := Build("case-1", "bundle-1", []Item{{Kind: KindEmail}})
	assert.Error(t, err)
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	items := sampleItems()
	_, err := Build("case-1", "bundle-1", items)
	require.NoError(t, err)
	assert.Equal(t, "m2", items[0].ID)
	assert.Equal(t, "dep://c/email/m1/chars_5-9#bb", items[2].Pointers[0])
}

func TestCollect(t *testing.T) {
	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	canonical := "m1"
	msgs := []model.Message{
		{ID: "m1", CaseID: "c1", Subject: "keep", ContentHash: "h1"},
		{ID: "m2", CaseID: "c1", Subject: "hidden", IsHidden: true},
		{ID: "m3", CaseID: "c1", Subject: "dup", IsDuplicate: true, CanonicalMessageID: &canonical},
		{ID: "m4", CaseID: "other", Subject: "other case"},
	}
	require.NoError(t, db.Create(&msgs).Error)

	atts := []model.Attachment{
		{ID: "a1", MessageID: "m1", Filename: "ok.pdf", Digest: "d1", StorageKey: "k1", Status: model.AttachmentStored},
		{ID: "a2", MessageID: "m1", Filename: "broken.pdf", Status: model.AttachmentFailed},
		{ID: "a3", MessageID: "m3", Filename: "on-dup.pdf", Digest: "d3", StorageKey: "k3", Status: model.AttachmentStored},
	}
	require.NoError(t, db.Create(&atts).Error)

	items, err := Collect(context.Background(), db, "c1")
	require.NoError(t, err)

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	assert.ElementsMatch(t, []string{"m1", "a1"}, ids)
}
