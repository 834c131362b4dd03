package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/patchpilot/workspace"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
		"file":   NewFileStore(afero.NewMemMapFs(), "/var/patchpilot"),
		"s3":     NewS3StoreWithClient(newFakeS3(), "bucket", "prod"),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreateExecution(ctx, ExecutionRecord{
				ID: "ex1", ProjectID: "shop", UserID: "u1", Request: "make the button blue", Mode: "code", Status: StatusRunning,
			}))
			assert.Error(t, s.CreateExecution(ctx, ExecutionRecord{ID: "ex1"}), "duplicate id")

			require.NoError(t, s.UpdateStatus(ctx, "ex1", StatusCheckpointed, "deadline"))
			rec, err := s.GetExecution(ctx, "ex1")
			require.NoError(t, err)
			assert.Equal(t, StatusCheckpointed, rec.Status)
			assert.Equal(t, "deadline", rec.Detail)
			assert.Equal(t, "make the button blue", rec.Request)

			_, err = s.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", StatusFailed, ""), ErrNotFound)

			for i, role := range []string{"user", "assistant", "tool"} {
				require.NoError(t, s.AppendMessage(ctx, MessageRecord{ExecutionID: "ex1", Seq: i, Role: role, Content: role + " turn"}))
			}
			assert.ErrorIs(t, s.AppendMessage(ctx, MessageRecord{ExecutionID: "ex1", Seq: 1, Role: "user", Content: "again"}), ErrDuplicateMessage)
			msgs, err := s.Messages(ctx, "ex1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "assistant turn", msgs[1].Content, "a duplicate never overwrites")
			assert.Equal(t, "tool", msgs[2].Role)

			require.NoError(t, s.StoreReviewResult(ctx, ReviewRecord{ExecutionID: "ex1", Approved: true, Summary: "ok"}))

			changes := []workspace.CodeChange{{
				FileID: "btn", FileName: "button.liquid", Path: "snippets/button.liquid",
				OriginalContent: "red", ProposedContent: "blue", Reasoning: "requested",
			}}
			require.NoError(t, s.StoreChanges(ctx, "ex1", changes))
			got, err := s.Changes(ctx, "ex1")
			require.NoError(t, err)
			if diff := cmp.Diff(changes, got); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
			none, err := s.Changes(ctx, "ex2")
			require.NoError(t, err)
			assert.Empty(t, none)

			_, err = s.GetCheckpoint(ctx, "ex1")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.SaveCheckpoint(ctx, "ex1", []byte(`{"phase":"build_patch"}`)))
			require.NoError(t, s.SaveCheckpoint(ctx, "ex1", []byte(`{"phase":"verify"}`)))
			data, err := s.GetCheckpoint(ctx, "ex1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"phase":"verify"}`, string(data))
			require.NoError(t, s.ClearCheckpoint(ctx, "ex1"))
			_, err = s.GetCheckpoint(ctx, "ex1")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.ClearCheckpoint(ctx, "ex1"), "clearing twice is fine")

			require.NoError(t, s.PutFile(ctx, "ex1", "btn", "v1"))
			require.NoError(t, s.PutFile(ctx, "ex1", "btn", "v2"))
			content, err := s.GetFile(ctx, "ex1", "btn")
			require.NoError(t, err)
			assert.Equal(t, "v2", content)
			_, err = s.GetFile(ctx, "ex1", "hdr")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreWritesAtomically(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := NewFileStore(fsys, "/data")
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, "ex1", []byte("{}")))

	entries, err := afero.ReadDir(fsys, "/data/executions/ex1")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"checkpoint.json"}, names, "no temp files are left behind")
}

func TestMemoryStoreReviews(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.StoreReviewResult(ctx, ReviewRecord{ExecutionID: "ex1", Concerns: []string{"contrast"}}))
	reviews := s.Reviews("ex1")
	require.Len(t, reviews, 1)
	assert.False(t, reviews[0].CreatedAt.IsZero())
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(fmt.Sprintf("no such key: %s", aws.ToString(in.Key)))}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
