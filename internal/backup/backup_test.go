package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingutil "github.com/aristath/deployer/internal/testing"
)

const listPageSize = 2

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	listCalls int
	failList  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (f *fakeStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeStore) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeStore) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not expected")
}

func (f *fakeStore) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

// ListObjectsV2 pages through the sorted keys listPageSize at a time
func (f *fakeStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.failList {
		return nil, errors.New("access denied")
	}

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + listPageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(f.objects[key]))),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store *fakeStore) *Service {
	t.Helper()
	db := testingutil.NewTestDB(t)
	s := NewService(db, store, "backups-bucket", "/deployer/", t.TempDir(), zerolog.Nop())
	s.now = func() time.Time { return testNow }
	return s
}

func archiveKey(age time.Duration) string {
	return "deployer/" + archivePrefix + testNow.Add(-age).Format(timestampLayout) + archiveSuffix
}

func untar(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = body
	}
	return files
}

func TestCreateAndUpload(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	key, err := s.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deployer/deployer-backup-2026-10-17-120000.tar.gz", key)

	data, ok := store.objects[key]
	require.True(t, ok)

	files := untar(t, data)
	require.Contains(t, files, "test.db")
	require.Contains(t, files, metadataFile)

	snapshot := files["test.db"]
	assert.True(t, bytes.HasPrefix(snapshot, []byte("SQLite format 3\x00")))

	var metadata Metadata
	require.NoError(t, json.Unmarshal(files[metadataFile], &metadata))
	assert.Equal(t, "test", metadata.Database)
	assert.Equal(t, "test.db", metadata.Filename)
	assert.Equal(t, int64(len(snapshot)), metadata.SizeBytes)
	assert.Equal(t, fmt.Sprintf("sha256:%x", sha256.Sum256(snapshot)), metadata.Checksum)
	assert.True(t, testNow.Equal(metadata.Timestamp))
}

func TestCreateAndUpload_CleansStaging(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	_, err := s.CreateAndUpload(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(s.stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestList(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)

	store.objects[archiveKey(48*time.Hour)] = []byte("aa")
	store.objects[archiveKey(time.Hour)] = []byte("b")
	store.objects[archiveKey(24*time.Hour)] = []byte("ccc")
	store.objects["deployer/deployer-backup-garbage.tar.gz"] = []byte("x")
	store.objects["deployer/notes.txt"] = []byte("x")
	store.objects["elsewhere/"+archivePrefix+"2026-10-17-110000"+archiveSuffix] = []byte("x")

	backups, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)

	assert.Equal(t, archiveKey(time.Hour), backups[0].Key)
	assert.Equal(t, int64(1), backups[0].AgeHours)
	assert.Equal(t, int64(1), backups[0].SizeBytes)
	assert.Equal(t, archiveKey(24*time.Hour), backups[1].Key)
	assert.Equal(t, archiveKey(48*time.Hour), backups[2].Key)
	assert.Equal(t, int64(48), backups[2].AgeHours)

	// four matching keys across two pages
	assert.Equal(t, 2, store.listCalls)
}

func TestList_Error(t *testing.T) {
	store := newFakeStore()
	store.failList = true
	s := newTestService(t, store)

	_, err := s.List(context.Background())
	assert.Error(t, err)
}

func TestRotate(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		name      string
		ages      []time.Duration
		retention int
		deleted   []time.Duration
	}{
		{
			name:      "deletes archives past retention beyond the newest three",
			ages:      []time.Duration{day, 2 * day, 3 * day, 4 * day, 5 * day, 6 * day},
			retention: 2,
			deleted:   []time.Duration{4 * day, 5 * day, 6 * day},
		},
		{
			name:      "archive exactly at the cutoff survives",
			ages:      []time.Duration{day, 2 * day, 3 * day, 4 * day, 5 * day, 6 * day},
			retention: 5,
			deleted:   []time.Duration{6 * day},
		},
		{
			name:      "newest three always survive",
			ages:      []time.Duration{10 * day, 20 * day, 30 * day},
			retention: 1,
		},
		{
			name:      "zero retention keeps everything",
			ages:      []time.Duration{10 * day, 20 * day, 30 * day, 40 * day},
			retention: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			s := newTestService(t, store)
			for _, age := range tc.ages {
				store.objects[archiveKey(age)] = []byte("x")
			}

			deleted, err := s.Rotate(context.Background(), tc.retention)
			require.NoError(t, err)
			assert.Equal(t, len(tc.deleted), deleted)

			var want []string
			for _, age := range tc.deleted {
				want = append(want, archiveKey(age))
			}
			assert.ElementsMatch(t, want, store.deleted)
			assert.Len(t, store.objects, len(tc.ages)-len(tc.deleted))
		})
	}
}

func TestJob_Run(t *testing.T) {
	store := newFakeStore()
	s := newTestService(t, store)
	for i := 1; i <= 5; i++ {
		store.objects[archiveKey(time.Duration(i)*24*time.Hour)] = []byte("x")
	}

	job := NewJob(s, 2)
	assert.Equal(t, "database_backup", job.Name())
	require.NoError(t, job.Run())

	// new archive plus the two newest old ones
	assert.Len(t, store.objects, 3)
	assert.Contains(t, store.objects, archiveKey(0))
	assert.Len(t, store.deleted, 3)
}

func TestJob_RotationFailureDoesNotFail(t *testing.T) {
	store := newFakeStore()
	store.failList = true
	s := newTestService(t, store)

	require.NoError(t, NewJob(s, 1).Run())
	assert.Contains(t, store.objects, archiveKey(0))
}
