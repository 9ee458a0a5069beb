package thread

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casevault/pstcorpus/database"
	"github.com/casevault/pstcorpus/model"
)

func TestRoots(t *testing.T) {
	items := []Item{
		{ID: "u1", MessageID: "root@x"},
		{ID: "u2", MessageID: "reply1@x", InReplyTo: "root@x"},
		{ID: "u3", MessageID: "reply2@x", InReplyTo: "reply1@x"},
		{ID: "u4", MessageID: "lonely@x"},
		{ID: "u5", MessageID: "orphan@x", InReplyTo: "missing@x"},
		{ID: "u6", InReplyTo: "root@x"},
	}

	roots := Roots(items)
	assert.Equal(t, "root@x", roots["u1"])
	assert.Equal(t, "root@x", roots["u2"])
	assert.Equal(t, "root@x", roots["u3"])
	assert.Equal(t, "lonely@x", roots["u4"])
	// Parent not in the set: the message anchors its own thread.
	assert.Equal(t, "orphan@x", roots["u5"])
	assert.Equal(t, "root@x", roots["u6"])
}

func TestRootsCycleSafe(t *testing.T) {
	items := []Item{
		{ID: "u1", MessageID: "a@x", InReplyTo: "b@x"},
		{ID: "u2", MessageID: "b@x", InReplyTo: "a@x"},
	}
	roots := Roots(items)
	assert.NotEmpty(t, roots["u1"])
	assert.NotEmpty(t, roots["u2"])
}

func TestRootsNoMessageID(t *testing.T) {
	items := []Item{{ID: "u1"}}
	assert.Equal(t, "u1", Roots(items)["u1"])
}

func TestAssignerRun(t *testing.T) {
	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)

	msgs := []model.Message{
		{ID: "u1", CaseID: "c1", MessageID: "root@x"},
		{ID: "u2", CaseID: "c1", MessageID: "reply@x", InReplyTo: "root@x", IsHidden: true},
		{ID: "u3", CaseID: "c1", MessageID: "leaf@x", InReplyTo: "reply@x"},
		{ID: "u4", CaseID: "other", MessageID: "elsewhere@x"},
	}
	require.NoError(t, db.Create(&msgs).Error)

	assigner := NewAssigner(db, nil)
	updated, err := assigner.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	var got []model.Message
	require.NoError(t, db.Where("case_id = ?", "c1").Order("id").Find(&got).Error)
	for _, m := range got {
		assert.Equal(t, "root@x", m.ThreadID, "message %s", m.ID)
	}

	// A hidden intermediate still links its replies to the root.
	var leaf model.Message
	require.NoError(t, db.First(&leaf, "id = ?", "u3").Error)
	assert.Equal(t, "root@x", leaf.ThreadID)

	// Second run changes nothing.
	updated, err = assigner.Run(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, updated)

	var other model.Message
	require.NoError(t, db.First(&other, "id = ?", "u4").Error)
	assert.Empty(t, other.ThreadID)
}

func TestAssignerStopsOnCancelledContext(t *testing.T) {
	db, err := database.Open(database.Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.Message{ID: "u1", CaseID: "c1", MessageID: "root@x"}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewAssigner(db, nil).Run(ctx, "c1")
	assert.Error(t, err)
}
