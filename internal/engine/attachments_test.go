package engine_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/engine"
	"taskflow/internal/errs"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func pngUpload(name string) engine.UploadInput {
	return engine.UploadInput{Filename: name, ContentType: "image/png", Body: bytes.NewReader(pngBytes)}
}

func TestUploadAndDownload(t *testing.T) {
	env, u1, u2, u3, task := alphaScenario(t)
	eng := env.Engine

	a, err := eng.UploadAttachment(env.Ctx, u2.Actor(), task.ID, pngUpload("../shot.png"))
	require.NoError(t, err)
	assert.Equal(t, "shot.png", a.Filename)
	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, int64(len(pngBytes)), a.Size)

	_, err = eng.UploadAttachment(env.Ctx, u3.Actor(), task.ID, pngUpload("x.png"))
	requireKind(t, err, errs.KindForbidden, "")

	_, err = eng.UploadAttachment(env.Ctx, u2.Actor(), task.ID, engine.UploadInput{
		Filename: "notes.txt", ContentType: "text/plain", Body: bytes.NewReader([]byte("plain text")),
	})
	requireKind(t, err, errs.KindInvalidInput, "invalid_file")

	meta, rc, err := eng.OpenAttachment(env.Ctx, u1.Actor(), task.ID, a.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, a.StorageRef, meta.StorageRef)

	got, err := eng.GetTask(env.Ctx, u2.Actor(), task.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)

	require.NoError(t, eng.DeleteTask(env.Ctx, u1.Actor(), task.ID))
	entries, err := os.ReadDir(env.Config.Uploads.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAttachmentCeiling(t *testing.T) {
	env, _, u2, _, task := alphaScenario(t)
	eng := env.Engine

	for i := 0; i < 5; i++ {
		_, err := eng.UploadAttachment(env.Ctx, u2.Actor(), task.ID, pngUpload(fmt.Sprintf("%d.png", i)))
		require.NoError(t, err)
	}
	_, err := eng.UploadAttachment(env.Ctx, u2.Actor(), task.ID, pngUpload("6.png"))
	requireKind(t, err, errs.KindConflict, "attachment_limit")

	got, err := eng.GetTask(env.Ctx, u2.Actor(), task.ID)
	require.NoError(t, err)
	assert.Len(t, got.Attachments, 5)
	for i, a := range got.Attachments {
		assert.Equal(t, fmt.Sprintf("%d.png", i), a.Filename)
	}
}

func TestConcurrentUploadsStopAtCeiling(t *testing.T) {
	env, _, u2, _, task := alphaScenario(t)

	const n = 12
	var wg sync.WaitGroup
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errsOut[i] = env.Engine.UploadAttachment(env.Ctx, u2.Actor(), task.ID, pngUpload(fmt.Sprintf("c%d.png", i)))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errsOut {
		if err == nil {
			ok++
			continue
		}
		requireKind(t, err, errs.KindConflict, "attachment_limit")
	}
	assert.Equal(t, 5, ok)

	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Attachments, 5)

	entries, err := os.ReadDir(env.Config.Uploads.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5, "rejected uploads must not leave files behind")
}
