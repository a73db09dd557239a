package io

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

func TestLocalFileIO_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	testPath := filepath.Join(tmpDir, "test.txt")
	testContent := []byte("Hello, Iceberg!")

	if err := fileIO.WriteFile(ctx, testPath, testContent); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := fileIO.ReadFile(ctx, testPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(data, testContent) {
		t.Errorf("Content mismatch: got %s, want %s", data, testContent)
	}

	// file:// locations resolve to the same file
	data, err = fileIO.ReadFile(ctx, "file://"+testPath)
	if err != nil {
		t.Fatalf("ReadFile with scheme failed: %v", err)
	}
	if !bytes.Equal(data, testContent) {
		t.Errorf("Content mismatch: got %s, want %s", data, testContent)
	}
}

func TestLocalFileIO_ReadMissing(t *testing.T) {
	ctx := context.Background()
	fileIO := NewLocalFileIO()

	_, err := fileIO.ReadFile(ctx, filepath.Join(t.TempDir(), "missing.txt"))
	if !IsNotFound(err) {
		t.Fatalf("ReadFile error = %v, want not found", err)
	}
}

func TestLocalFileIO_UnsupportedScheme(t *testing.T) {
	_, err := NewLocalFileIO().ReadFile(context.Background(), "s3://bucket/key")
	if err == nil {
		t.Fatal("expected an error for s3:// on the local filesystem")
	}
}

func TestLocalFileIO_Delete(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	testPath := filepath.Join(tmpDir, "delete_test.txt")

	if err := os.WriteFile(testPath, []byte("test"), 0644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := fileIO.Delete(ctx, testPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := os.Stat(testPath); !os.IsNotExist(err) {
		t.Error("File should be deleted")
	}

	if err := fileIO.Delete(ctx, testPath); !IsNotFound(err) {
		t.Errorf("second Delete error = %v, want not found", err)
	}
}

func TestLocalFileIO_Exists(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	existingPath := filepath.Join(tmpDir, "exists.txt")
	nonExistingPath := filepath.Join(tmpDir, "not_exists.txt")

	if err := os.WriteFile(existingPath, []byte("test"), 0644); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	exists, err := fileIO.Exists(ctx, existingPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("File should exist")
	}

	exists, err = fileIO.Exists(ctx, nonExistingPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("File should not exist")
	}
}

func TestLocalFileIO_CreateDirectories(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	nestedPath := filepath.Join(tmpDir, "a", "b", "c", "test.txt")

	if err := fileIO.WriteFile(ctx, nestedPath, []byte("test")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := os.Stat(nestedPath); os.IsNotExist(err) {
		t.Error("File should exist in nested directory")
	}
}

func TestLocalFileIO_MultipleWrites(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	testPath := filepath.Join(tmpDir, "multi_write.txt")

	if err := fileIO.WriteFile(ctx, testPath, []byte("First content")); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	content2 := []byte("Second content - longer")
	if err := fileIO.WriteFile(ctx, testPath, content2); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	data, err := os.ReadFile(testPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(data, content2) {
		t.Errorf("Content = %s, want %s", data, content2)
	}
}

func TestLocalFileIO_CreateFileIsExclusive(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	testPath := filepath.Join(tmpDir, "v1.metadata.json")

	if err := fileIO.CreateFile(ctx, testPath, []byte("first")); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := fileIO.CreateFile(ctx, testPath, []byte("second")); !errors.Is(err, ErrFileExists) {
		t.Fatalf("second CreateFile error = %v, want ErrFileExists", err)
	}

	data, err := fileIO.ReadFile(ctx, testPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("Content = %s, want first", data)
	}
}

func TestLocalFileIO_EmptyFile(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	fileIO := NewLocalFileIO()
	testPath := filepath.Join(tmpDir, "empty.txt")

	if err := fileIO.WriteFile(ctx, testPath, nil); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := fileIO.ReadFile(ctx, testPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Length = %d, want 0", len(data))
	}
}

func TestLocalFileIO_ListFiles(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()
	fileIO := NewLocalFileIO()

	for _, name := range []string{"b.json", "a.json", "sub/c.json"} {
		if err := fileIO.WriteFile(ctx, filepath.Join(tmpDir, name), []byte("x")); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	files, err := fileIO.ListFiles(ctx, "file://"+tmpDir+"/")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	want := []string{
		"file://" + tmpDir + "/a.json",
		"file://" + tmpDir + "/b.json",
		"file://" + tmpDir + "/sub/c.json",
	}
	if len(files) != len(want) {
		t.Fatalf("ListFiles = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("ListFiles[%d] = %s, want %s", i, files[i], want[i])
		}
	}

	files, err = fileIO.ListFiles(ctx, filepath.Join(tmpDir, "missing"))
	if err != nil {
		t.Fatalf("ListFiles on missing dir failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("ListFiles on missing dir = %v, want none", files)
	}
}

func TestMemFileIO_AnyScheme(t *testing.T) {
	ctx := context.Background()
	fileIO := NewMemFileIO()

	if err := fileIO.WriteFile(ctx, "s3://bucket/t/metadata/v1.metadata.json", []byte("{}")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ok, err := fileIO.Exists(ctx, "s3://bucket/t/metadata/v1.metadata.json")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}
	files, err := fileIO.ListFiles(ctx, "s3://bucket/t/metadata")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 || files[0] != "s3://bucket/t/metadata/v1.metadata.json" {
		t.Errorf("ListFiles = %v", files)
	}
}

func TestMemFileIO_ConcurrentCreateFile(t *testing.T) {
	ctx := context.Background()
	fileIO := NewMemFileIO()

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fileIO.CreateFile(ctx, "mem://t/v2.metadata.json", []byte("x"))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, ErrFileExists) {
				t.Errorf("CreateFile error = %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("%d writers created the file, want 1", created)
	}
}

// shortWriteFs fails every write of more than one byte after writing the
// first byte.
type shortWriteFs struct{ afero.Fs }

func (s shortWriteFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := s.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return shortWriteFile{f}, nil
}

type shortWriteFile struct{ afero.File }

func (f shortWriteFile) Write(p []byte) (int, error) {
	if len(p) > 1 {
		n, _ := f.File.Write(p[:1])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func TestAferoFileIO_FailedCreateLeavesNothing(t *testing.T) {
	ctx := context.Background()
	fileIO := NewAferoFileIO(shortWriteFs{afero.NewMemMapFs()})

	err := fileIO.CreateFile(ctx, "/t/metadata/v2.metadata.json", []byte(`{"format-version":2}`))
	if err == nil || errors.Is(err, ErrFileExists) {
		t.Fatalf("CreateFile error = %v, want a write failure", err)
	}
	ok, err := fileIO.Exists(ctx, "/t/metadata/v2.metadata.json")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("a failed create left the target behind")
	}
	entries, err := afero.ReadDir(fileIO.Fs(), "/t/metadata")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("a failed create left %d files behind", len(entries))
	}
}

func TestMemFileIO_ReadersNeverSeePartialFiles(t *testing.T) {
	ctx := context.Background()
	fileIO := NewMemFileIO()
	payload := bytes.Repeat([]byte("x"), 1<<16)
	const versions = 32

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < versions; i++ {
			if err := fileIO.CreateFile(ctx, "mem://t/v"+string(rune('a'+i)), payload); err != nil {
				t.Errorf("CreateFile failed: %v", err)
				return
			}
		}
	}()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		for i := 0; i < versions; i++ {
			data, err := fileIO.ReadFile(ctx, "mem://t/v"+string(rune('a'+i)))
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if len(data) != len(payload) {
				t.Fatalf("read %d bytes of a %d byte file", len(data), len(payload))
			}
		}
	}

	files, err := fileIO.ListFiles(ctx, "mem://t")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != versions {
		t.Errorf("ListFiles = %d files, want %d", len(files), versions)
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		base  string
		elems []string
		want  string
	}{
		{"s3://b/t", []string{"metadata", "v1.json"}, "s3://b/t/metadata/v1.json"},
		{"s3://b/t/", []string{"/metadata/"}, "s3://b/t/metadata"},
		{"file:///tmp/t", []string{"", "data"}, "file:///tmp/t/data"},
	}
	for _, tt := range tests {
		if got := Join(tt.base, tt.elems...); got != tt.want {
			t.Errorf("Join(%q, %v) = %q, want %q", tt.base, tt.elems, got, tt.want)
		}
	}
}
