package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

type fakeClient struct {
	objects map[string][]byte
	putErr  error
	getErr  error
	listErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: map[string][]byte{}}
}

func (f *fakeClient) Put(_ context.Context, _, key string, reader io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeClient) Get(_ context.Context, _, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, ErrDatasetNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeClient) Delete(_ context.Context, _, key string) error {
	if _, ok := f.objects[key]; !ok {
		return ErrDatasetNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeClient) List(_ context.Context, _, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	keys := make([]string, 0)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeClient) BucketExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeClient) CreateBucket(context.Context, string, string) error { return nil }

func newTestStore(t *testing.T, c client) *Store {
	t.Helper()
	store, err := NewWithClient("datasets-bucket", "", c)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}
	return store
}

func TestPutDatasetUsesCanonicalKey(t *testing.T) {
	c := newFakeClient()
	store := newTestStore(t, c)

	err := store.PutDataset(context.Background(), "orders", strings.NewReader("a,b\n1,2\n"), 8)
	if err != nil {
		t.Fatalf("PutDataset() error = %v", err)
	}
	if _, ok := c.objects["datasets/orders.csv"]; !ok {
		t.Fatalf("objects = %v, want datasets/orders.csv", c.objects)
	}
}

func TestPutDatasetRespectsPrefix(t *testing.T) {
	c := newFakeClient()
	store, err := NewWithClient("datasets-bucket", "/env/prod/", c)
	if err != nil {
		t.Fatalf("NewWithClient() error = %v", err)
	}

	if err := store.PutDataset(context.Background(), "orders", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutDataset() error = %v", err)
	}
	if _, ok := c.objects["env/prod/datasets/orders.csv"]; !ok {
		t.Fatalf("objects = %v", c.objects)
	}
}

func TestDeleteDatasetMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t, newFakeClient())
	if err := store.DeleteDataset(context.Background(), "ghost"); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}
}

func TestDeleteDatasetRemovesObject(t *testing.T) {
	c := newFakeClient()
	c.objects["datasets/orders.csv"] = []byte("a,b\n")
	store := newTestStore(t, c)

	if err := store.DeleteDataset(context.Background(), "orders"); err != nil {
		t.Fatalf("DeleteDataset() error = %v", err)
	}
	if len(c.objects) != 0 {
		t.Fatalf("objects = %v, want empty", c.objects)
	}
}

func TestRestoreWritesCSVFiles(t *testing.T) {
	c := newFakeClient()
	c.objects["datasets/orders.csv"] = []byte("orderID,total\n1,10\n")
	c.objects["datasets/customers.csv"] = []byte("customerID\nA\n")
	c.objects["datasets/readme.txt"] = []byte("not a dataset")
	store := newTestStore(t, c)

	dir := t.TempDir()
	restored, err := store.Restore(context.Background(), dir)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	sort.Strings(restored)
	if len(restored) != 2 || restored[0] != "customers.csv" || restored[1] != "orders.csv" {
		t.Fatalf("restored = %v", restored)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orders.csv"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "orderID,total\n1,10\n" {
		t.Fatalf("restored content = %q", data)
	}
}

func TestRestoreEmptyArchive(t *testing.T) {
	store := newTestStore(t, newFakeClient())
	restored, err := store.Restore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 0 {
		t.Fatalf("restored = %v, want none", restored)
	}
}

func TestRestoreListFailure(t *testing.T) {
	c := newFakeClient()
	c.listErr = errors.New("bucket unavailable")
	store := newTestStore(t, c)

	if _, err := store.Restore(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
		wantErr    bool
	}{
		{"minio.local:9000", false, "minio.local:9000", false, false},
		{"https://s3.amazonaws.com", false, "s3.amazonaws.com", true, false},
		{"http://minio.local:9000", true, "minio.local:9000", true, false},
		{"", false, "", false, true},
	}
	for _, tt := range tests {
		host, secure, err := parseEndpoint(tt.raw, tt.useSSL)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseEndpoint(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tt.raw, err)
		}
		if host != tt.wantHost || secure != tt.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q, %v", tt.raw, host, secure)
		}
	}
}
