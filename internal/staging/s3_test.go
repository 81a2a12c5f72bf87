package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3Client implements s3API in memory. pageSize forces pagination.
type mockS3Client struct {
	objects  map[string][]byte
	pageSize int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte), pageSize: 1}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(fmt.Sprintf("key %q not found", key))}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		fmt.Sscanf(*params.ContinuationToken, "%d", &start)
	}
	end := start + m.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func TestS3Store_PutListRead(t *testing.T) {
	mock := newMockS3Client()
	store := NewS3Store(mock, "bucket", "staging/")
	ctx := context.Background()

	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		if err := store.Put(ctx, "rec-1", name, []byte(name)); err != nil {
			t.Fatalf("Put(%s): %v", name, err)
		}
	}
	_ = store.Put(ctx, "rec-10", "other.txt", []byte("x"))

	if _, ok := mock.objects["staging/rec-1/a.txt"]; !ok {
		t.Errorf("expected key staging/rec-1/a.txt, have %v", mock.objects)
	}

	names, err := store.List(ctx, "rec-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "a.txt,b.txt,c.txt" {
		t.Errorf("List = %v, want [a.txt b.txt c.txt]", names)
	}

	got, err := store.Read(ctx, "rec-1", "b.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "b.txt" {
		t.Errorf("Read = %q", got)
	}
}

func TestS3Store_ReadNotFound(t *testing.T) {
	store := NewS3Store(newMockS3Client(), "bucket", "")

	_, err := store.Read(context.Background(), "rec-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Read error = %v, want ErrNotFound", err)
	}
}

func TestS3Store_Purge(t *testing.T) {
	mock := newMockS3Client()
	store := NewS3Store(mock, "bucket", "")
	ctx := context.Background()

	_ = store.Put(ctx, "rec-1", "a.txt", []byte("a"))
	_ = store.Put(ctx, "rec-1", "b.txt", []byte("b"))
	_ = store.Put(ctx, "rec-2", "c.txt", []byte("c"))

	if err := store.Purge(ctx, "rec-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if len(mock.objects) != 1 {
		t.Errorf("objects after purge = %v, want only rec-2", mock.objects)
	}
}
