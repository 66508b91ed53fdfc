package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testUploadedAt = time.Date(2024, 5, 1, 14, 5, 9, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func mustPut(t *testing.T, store *Store, filename, owner, recipient string, content []byte) StoredFile {
	t.Helper()

	stored, err := store.Put(context.Background(), StoredFile{
		Filename:   filename,
		Owner:      owner,
		Recipient:  recipient,
		UploadedAt: testUploadedAt,
	}, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("put %q: %v", filename, err)
	}
	return stored
}

func readAll(t *testing.T, store *Store, filename string) (StoredFile, []byte) {
	t.Helper()

	file, content, err := store.Get(context.Background(), filename)
	require.NoError(t, err)
	defer content.Close()

	data, err := io.ReadAll(content)
	require.NoError(t, err)
	return file, data
}

func TestStorePutAndGet(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	content := []byte("%PDF-1.4 report body")
	stored := mustPut(t, store, "report.pdf", "bob", "alice", content)
	r.EqualValues(len(content), stored.Size)
	r.Equal("application/pdf", stored.ContentType)
	r.Len(stored.Checksum, 64)

	file, data := readAll(t, store, "report.pdf")
	r.Equal(content, data)
	r.Equal("report.pdf", file.Filename)
	r.Equal("bob", file.Owner)
	r.Equal("alice", file.Recipient)
	r.Equal(stored.Checksum, file.Checksum)
	r.True(testUploadedAt.Equal(file.UploadedAt))

	meta, err := store.Stat(context.Background(), "report.pdf")
	r.NoError(err)
	r.Equal(file, meta)
}

func TestStoreDefaultsRecipientToAll(t *testing.T) {
	store := newTestStore(t)

	stored := mustPut(t, store, "public.txt", "bob", "", []byte("hello"))
	require.Equal(t, RecipientAll, stored.Recipient)
	require.Equal(t, "text/plain; charset=utf-8", stored.ContentType)
}

func TestStoreGetMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Get(context.Background(), "missing.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Stat(context.Background(), "missing.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreOverwriteReplacesContentAndMetadata(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	mustPut(t, store, "notes.txt", "bob", "alice", []byte("first version"))
	mustPut(t, store, "notes.txt", "carol", RecipientAll, []byte("second, longer version"))

	file, data := readAll(t, store, "notes.txt")
	r.Equal("second, longer version", string(data))
	r.Equal("carol", file.Owner)
	r.Equal(RecipientAll, file.Recipient)
	r.EqualValues(len(data), file.Size)

	blobs, err := os.ReadDir(store.blobDir)
	r.NoError(err)
	r.Len(blobs, 1, "replaced blob should be removed")
}

func TestStoreReaderKeepsVersionAcrossOverwrite(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	mustPut(t, store, "notes.txt", "bob", RecipientAll, []byte("old content"))

	_, content, err := store.Get(context.Background(), "notes.txt")
	r.NoError(err)
	defer content.Close()

	mustPut(t, store, "notes.txt", "bob", RecipientAll, []byte("new content"))

	data, err := io.ReadAll(content)
	r.NoError(err)
	r.Equal("old content", string(data))
}

func TestStoreConcurrentOverwritesNeverMix(t *testing.T) {
	store := newTestStore(t)

	versions := map[string]string{
		"alice": strings.Repeat("a", 4096),
		"bob":   strings.Repeat("b", 8192),
		"carol": strings.Repeat("c", 16384),
	}

	var wg sync.WaitGroup
	writeErrs := make(chan error, len(versions))
	for owner, body := range versions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := store.Put(context.Background(), StoredFile{
					Filename:   "shared.bin",
					Owner:      owner,
					Recipient:  RecipientAll,
					UploadedAt: testUploadedAt,
				}, strings.NewReader(body))
				if err != nil {
					writeErrs <- err
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		for range 50 {
			file, content, err := store.Get(context.Background(), "shared.bin")
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				readErr = err
				return
			}
			data, err := io.ReadAll(content)
			_ = content.Close()
			if err != nil {
				readErr = err
				return
			}
			if versions[file.Owner] != string(data) {
				readErr = errors.New("content does not match metadata owner " + file.Owner)
				return
			}
		}
	}()

	wg.Wait()
	<-done
	close(writeErrs)
	for err := range writeErrs {
		require.NoError(t, err)
	}
	require.NoError(t, readErr)
}

func TestStoreFailedWriteLeavesNoRecord(t *testing.T) {
	r := require.New(t)
	store := newTestStore(t)

	failing := io.MultiReader(strings.NewReader("partial"), &errReader{err: errors.New("connection reset")})
	_, err := store.Put(context.Background(), StoredFile{Filename: "broken.txt", Owner: "bob"}, failing)
	r.Error(err)

	_, _, err = store.Get(context.Background(), "broken.txt")
	r.ErrorIs(err, ErrNotFound)

	blobs, err := os.ReadDir(store.blobDir)
	r.NoError(err)
	r.Empty(blobs)
}

func TestStoreReopenKeepsRecords(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()

	store, err := Open(dir)
	r.NoError(err)
	mustPut(t, store, "kept.txt", "bob", "alice", []byte("persisted"))
	r.NoError(store.Close())

	reopened, err := Open(dir)
	r.NoError(err)
	defer reopened.Close()

	file, data := readAll(t, reopened, "kept.txt")
	r.Equal("persisted", string(data))
	r.Equal("alice", file.Recipient)
	r.FileExists(filepath.Join(dir, DefaultDBFileName))
}

func TestCanAccess(t *testing.T) {
	tests := []struct {
		name      string
		recipient string
		requester string
		want      bool
	}{
		{name: "public file", recipient: RecipientAll, requester: "eve", want: true},
		{name: "intended recipient", recipient: "alice", requester: "alice", want: true},
		{name: "other identity", recipient: "alice", requester: "eve", want: false},
		{name: "owner of private file", recipient: "alice", requester: "bob", want: false},
		{name: "case differs", recipient: "alice", requester: "Alice", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := StoredFile{Owner: "bob", Recipient: tt.recipient}
			require.Equal(t, tt.want, CanAccess(file, tt.requester))
		})
	}
}

type errReader struct {
	err error
}

func (r *errReader) Read([]byte) (int, error) {
	return 0, r.err
}
