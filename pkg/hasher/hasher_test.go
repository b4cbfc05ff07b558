package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		wantErr   bool
		digestLen int
	}{
		{name: "default", algorithm: "", digestLen: 64},
		{name: "sha256", algorithm: "sha256", digestLen: 64},
		{name: "sha512", algorithm: "sha512", digestLen: 128},
		{name: "sha1", algorithm: "sha1", digestLen: 40},
		{name: "md5", algorithm: "md5", digestLen: 32},
		{name: "unknown", algorithm: "crc32", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(tt.algorithm)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, h.HashBytes([]byte("x")), tt.digestLen)
		})
	}
}

func TestHashFile_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	writeFile(t, path, "")

	sum, err := Default().HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
}

func TestHashFile_MatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	// Larger than one chunk so the streaming path is exercised.
	data := make([]byte, 3*ChunkSize+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	expected := sha256.Sum256(data)
	sum, err := Default().HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)
}

func TestHashFile_ContentAddressed(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "nested", "other-name.log")
	writeFile(t, a, "same content")
	writeFile(t, b, "same content")

	h := Default()
	ha, err := h.HashFile(a)
	require.NoError(t, err)
	hb, err := h.HashFile(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	equal, err := h.Equal(a, b)
	require.NoError(t, err)
	assert.True(t, equal)
}

func TestHashFile_Errors(t *testing.T) {
	dir := t.TempDir()
	h := Default()

	_, err := h.HashFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = h.HashFile(dir)
	assert.ErrorIs(t, err, model.ErrNotRegularFile)

	target := filepath.Join(dir, "target")
	writeFile(t, target, "x")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))
	_, err = h.HashFile(link)
	assert.ErrorIs(t, err, model.ErrNotRegularFile)
}

func TestHashFile_MaxFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big")
	writeFile(t, path, "0123456789")

	h, err := New("sha256", WithMaxFileSize(5))
	require.NoError(t, err)
	_, err = h.HashFile(path)
	assert.ErrorIs(t, err, model.ErrFileTooLarge)
}

func TestPlaceholder_Stable(t *testing.T) {
	h := Default()
	assert.Equal(t, h.Placeholder("/data/a.txt"), h.Placeholder("/data/a.txt"))
	assert.NotEqual(t, h.Placeholder("/data/a.txt"), h.Placeholder("/data/b.txt"))
}

func TestHashDirectory_Deterministic(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "c")

	h := Default()
	first, err := h.HashDirectory(root)
	require.NoError(t, err)
	second, err := h.HashDirectory(root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashDirectory_CreationOrderIrrelevant(t *testing.T) {
	base := t.TempDir()
	one := filepath.Join(base, "one", "tree")
	two := filepath.Join(base, "two", "tree")

	writeFile(t, filepath.Join(one, "a.txt"), "a")
	writeFile(t, filepath.Join(one, "z.txt"), "z")
	writeFile(t, filepath.Join(one, "m", "x"), "x")

	writeFile(t, filepath.Join(two, "m", "x"), "x")
	writeFile(t, filepath.Join(two, "z.txt"), "z")
	writeFile(t, filepath.Join(two, "a.txt"), "a")

	h := Default()
	h1, err := h.HashDirectory(one)
	require.NoError(t, err)
	h2, err := h.HashDirectory(two)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashDirectory_RenameChangesDigest(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	h := Default()
	before, err := h.HashDirectory(root)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(root, "a.txt"), filepath.Join(root, "renamed.txt")))
	after, err := h.HashDirectory(root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestHashDirectory_NestedContentPropagates(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tree")
	deep := filepath.Join(root, "a", "b", "c", "file.txt")
	writeFile(t, deep, "one")

	h := Default()
	before, err := h.HashDirectory(root)
	require.NoError(t, err)

	writeFile(t, deep, "two")
	after, err := h.HashDirectory(root)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestHashDirectory_Errors(t *testing.T) {
	dir := t.TempDir()
	h := Default()

	_, err := h.HashDirectory(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	file := filepath.Join(dir, "f")
	writeFile(t, file, "x")
	_, err = h.HashDirectory(file)
	assert.ErrorIs(t, err, model.ErrNotRegularFile)
}

func BenchmarkHashFile(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench")
	data := make([]byte, 1024*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		b.Fatal(err)
	}
	h := Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.HashFile(path); err != nil {
			b.Fatal(err)
		}
	}
}
