package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMbox(t *testing.T, path string, messages ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := mboxlib.NewWriter(f)
	for _, raw := range messages {
		mw, err := w.CreateMessage("sender@example.com", time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		_, err = mw.Write([]byte(raw))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func simpleMessage(id, subject string) string {
	return "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Date: Mon, 08 Jan 2024 09:00:00 +0000\r\n" +
		"\r\n" +
		"Body of " + id + ".\r\n"
}

func collect(t *testing.T, c Container) ([]Envelope, []Skip) {
	t.Helper()
	out := make(chan Envelope, 64)
	var skips []Skip
	var err error
	done := make(chan struct{})
	go func() {
		skips, err = c.Stream(context.Background(), out)
		close(out)
		close(done)
	}()

	var envs []Envelope
	for env := range out {
		envs = append(envs, env)
	}
	<-done
	require.NoError(t, err)
	return envs, skips
}

func TestMboxTreeStreamOrder(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"), simpleMessage("i1", "one"), simpleMessage("i2", "two"))
	writeMbox(t, filepath.Join(root, "Archive", "2021.mbox"), simpleMessage("a1", "three"))
	writeMbox(t, filepath.Join(root, "Sent.mbox"), simpleMessage("s1", "four"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignored"), 0o644))

	tree, err := NewMboxTree(root, nil)
	require.NoError(t, err)

	envs, skips := collect(t, tree)
	require.Empty(t, skips)
	require.Len(t, envs, 4)

	// Root-level files in sorted order first, then subdirectories.
	var folders []string
	for i, env := range envs {
		require.NoError(t, env.Err)
		assert.Equal(t, int64(i), env.Seq)
		folders = append(folders, env.FolderPath)
	}
	assert.Equal(t, []string{"Inbox", "Inbox", "Sent", "Archive/2021"}, folders)
}

func TestMboxTreeStreamDeterministic(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "B.mbox"), simpleMessage("b1", "b"))
	writeMbox(t, filepath.Join(root, "A.mbox"), simpleMessage("a1", "a"))

	tree, err := NewMboxTree(root, nil)
	require.NoError(t, err)

	first, _ := collect(t, tree)
	second, _ := collect(t, tree)
	require.Len(t, first, 2)
	require.Len(t, second, 2)
	for i := range first {
		assert.Equal(t, first[i].FolderPath, second[i].FolderPath)
		assert.Equal(t, first[i].Seq, second[i].Seq)
		assert.Equal(t, first[i].Raw, second[i].Raw)
	}
}

func TestMboxTreeSize(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"), simpleMessage("i1", "one"))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("not counted"), 0o644))

	tree, err := NewMboxTree(root, nil)
	require.NoError(t, err)

	size, err := tree.Size()
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(root, "Inbox.mbox"))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), size)
}

func TestMboxTreeCancellation(t *testing.T) {
	root := t.TempDir()
	writeMbox(t, filepath.Join(root, "Inbox.mbox"), simpleMessage("i1", "one"), simpleMessage("i2", "two"))

	tree, err := NewMboxTree(root, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan Envelope, 1)
	_, err = tree.Stream(ctx, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMboxTreeMissingRoot(t *testing.T) {
	_, err := NewMboxTree(filepath.Join(t.TempDir(), "nope"), nil)
	assert.ErrorIs(t, err, ErrContainerUnreadable)
}

func TestCheckScratchSpace(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, CheckScratchSpace(dir, 1024))

	// No volume has an exabyte free.
	err := CheckScratchSpace(dir, 1<<60)
	assert.ErrorIs(t, err, ErrScratchSpace)
}
