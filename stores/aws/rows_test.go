package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"scenesync/core"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Bucket+"/"+*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_UpsertAndGet(t *testing.T) {
	fake := newFakeS3()
	store := newRowStore(fake, "bucket")
	ctx := context.Background()

	change, err := store.UpsertState(ctx, "s1", json.RawMessage(`{"scene":"3"}`))
	if err != nil {
		t.Fatalf("UpsertState() failed: %v", err)
	}
	if change.Type != core.ChangeInsert {
		t.Errorf("type = %s, want INSERT", change.Type)
	}
	if _, ok := fake.objects["bucket/controllers/s1.json"]; !ok {
		t.Errorf("object not written under the controllers prefix: %v", fake.objects)
	}

	row, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(row.State) != `{"scene":"3"}` {
		t.Errorf("state = %s", row.State)
	}
}

func TestS3Store_MissingRow(t *testing.T) {
	store := newRowStore(newFakeS3(), "bucket")
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrRowNotFound) {
		t.Errorf("Get() error = %v, want ErrRowNotFound", err)
	}
	if _, err := store.SetCommand(ctx, "nope", json.RawMessage(`{"timestamp":"t"}`)); !errors.Is(err, core.ErrRowNotFound) {
		t.Errorf("SetCommand() error = %v, want ErrRowNotFound", err)
	}
}

func TestS3Store_ConditionalClear(t *testing.T) {
	store := newRowStore(newFakeS3(), "bucket")
	ctx := context.Background()

	_, _ = store.UpsertState(ctx, "s1", json.RawMessage(`{}`))
	_, _ = store.SetCommand(ctx, "s1", json.RawMessage(`{"action":"item_click","timestamp":"b"}`))

	if change, _ := store.ClearCommand(ctx, "s1", "a"); change != nil {
		t.Error("mismatched stamp cleared the command")
	}
	change, err := store.ClearCommand(ctx, "s1", "b")
	if err != nil || change == nil || change.New.HasCommand() {
		t.Errorf("ClearCommand() = %v, %v", change, err)
	}
}

func TestObjectKey_RejectsPaths(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b"} {
		if _, err := objectKey(id); err == nil {
			t.Errorf("objectKey(%q) should fail", id)
		}
	}
}
