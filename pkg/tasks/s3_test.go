package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory bucket behind the s3API interface.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	metadata     map[string]map[string]string
	bucketExists bool
	createErr    error
	putErr       error
	created      int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.metadata[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
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

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.bucketExists {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.bucketExists = true
	return &s3.CreateBucketOutput{}, nil
}

func deadTask(id string, failedAt time.Time) *Task {
	return &Task{
		ID:         id,
		Kind:       "ingest",
		Payload:    json.RawMessage(`{"event_id":"` + id + `"}`),
		Attempts:   5,
		LastError:  "subscription not found",
		EnqueuedAt: failedAt.Add(-time.Minute),
		FailedAt:   &failedAt,
	}
}

func TestS3DeadLetterSink_PutListDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	sink := newS3DeadLetterSink(fake, "appgrant", "dead-letters/")

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Put(ctx, deadTask("task-b", t0.Add(time.Second))))
	require.NoError(t, sink.Put(ctx, deadTask("task-a", t0)))

	for key, meta := range fake.metadata {
		assert.True(t, strings.HasPrefix(key, "dead-letters/20260301T1200"), key)
		assert.Equal(t, "ingest", meta["task-kind"])
		assert.Len(t, meta["checksum-sha256"], 64)
	}

	tasks, err := sink.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-a", tasks[0].ID)
	assert.Equal(t, "task-b", tasks[1].ID)
	assert.Equal(t, 5, tasks[0].Attempts)
	assert.JSONEq(t, `{"event_id":"task-a"}`, string(tasks[0].Payload))

	limited, err := sink.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, sink.Delete(ctx, "task-a"))
	tasks, err = sink.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-b", tasks[0].ID)
}

func TestS3DeadLetterSink_DeleteWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	writer := newS3DeadLetterSink(fake, "appgrant", "dead-letters/")
	require.NoError(t, writer.Put(ctx, deadTask("task-1", time.Now().UTC())))

	reader := newS3DeadLetterSink(fake, "appgrant", "dead-letters/")
	require.NoError(t, reader.Delete(ctx, "task-1"))
	assert.Empty(t, fake.objects)

	require.NoError(t, reader.Delete(ctx, "never-existed"))
}

func TestS3DeadLetterSink_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	sink := newS3DeadLetterSink(fake, "appgrant", "dead-letters/")

	err := sink.Put(context.Background(), deadTask("task-1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestS3DeadLetterSink_WorksAsQueueSink(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	sink := newS3DeadLetterSink(fake, "appgrant", "dead-letters/")
	q := NewQueue(fastConfig(1), sink, nil)
	q.Register("ingest", func(context.Context, json.RawMessage) error {
		return errors.New("unknown subscription")
	})
	q.Start(ctx)
	defer q.Stop(ctx)

	_, err := q.Enqueue(ctx, "ingest", eventPayload{EventID: "evt_1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tasks, err := sink.List(ctx, 0)
		return err == nil && len(tasks) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateBucketIfNotExists(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing bucket", func(t *testing.T) {
		fake := newFakeS3()
		require.NoError(t, createBucketIfNotExists(ctx, fake, "appgrant"))
		assert.Equal(t, 1, fake.created)
	})

	t.Run("existing bucket is left alone", func(t *testing.T) {
		fake := newFakeS3()
		fake.bucketExists = true
		require.NoError(t, createBucketIfNotExists(ctx, fake, "appgrant"))
		assert.Equal(t, 0, fake.created)
	})

	t.Run("race with another creator", func(t *testing.T) {
		fake := newFakeS3()
		fake.createErr = &types.BucketAlreadyOwnedByYou{}
		assert.NoError(t, createBucketIfNotExists(ctx, fake, "appgrant"))
	})

	t.Run("other errors surface", func(t *testing.T) {
		fake := newFakeS3()
		fake.createErr = errors.New("forbidden")
		assert.Error(t, createBucketIfNotExists(ctx, fake, "appgrant"))
	})
}
