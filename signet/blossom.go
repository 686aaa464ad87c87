package signet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// BlobMeta is the cached {content-type, size} pair for a stored blob, keyed
// by its hex SHA-256, so repeated reads avoid re-sniffing the file on every
// request.
type BlobMeta struct {
	ContentType string
	Size        int64
}

// BlossomStore is the content-addressed blob store: an afero filesystem
// rooted at Dir, with blobs named by their SHA-256 hex digest and an
// optional file extension.
type BlossomStore struct {
	Dir string
	fs  afero.Fs

	mu    sync.RWMutex
	cache map[string]BlobMeta
}

// NewBlossomStore roots a BlossomStore at dir, creating it if absent.
func NewBlossomStore(dir string) (*BlossomStore, error) {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blossom dir: %w", err)
	}
	return &BlossomStore{Dir: dir, fs: fs, cache: make(map[string]BlobMeta)}, nil
}

// ServeHTTP implements GET|HEAD /<64-hex>[.<ext>].
func (b *BlossomStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sum, ok := shaFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	name, err := b.resolve(sum)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := b.fs.Open(path.Join(b.Dir, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType := b.contentType(sum, f, info.Size())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))

	if r.Method == http.MethodHead {
		return
	}
	if seeker, ok := f.(io.Seeker); ok {
		seeker.Seek(0, io.SeekStart)
	}
	io.Copy(w, f)
}

// HandleUpload implements POST /upload: stream the body to a temp file
// under a random name, hash it, then rename to its content-addressed final
// name.
func (b *BlossomStore) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tmpName := path.Join(b.Dir, ".upload-"+uuid.NewString())
	tmp, err := b.fs.Create(tmpName)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r.Body)
	tmp.Close()
	if err != nil {
		b.fs.Remove(tmpName)
		http.Error(w, "upload failed", http.StatusBadRequest)
		return
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	ext := extOf(r.URL.Path)
	finalName := sum + ext

	if err := b.fs.Rename(tmpName, path.Join(b.Dir, finalName)); err != nil {
		b.fs.Remove(tmpName)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	b.mu.Lock()
	b.cache[sum] = BlobMeta{ContentType: contentType, Size: size}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"url":"/%s","sha256":"%s","size":%d,"type":%q,"uploaded":true}`,
		finalName, sum, size, contentType)
}

// resolve finds the on-disk filename for a hash, trying a bare match first
// and then any matching "<hash>.<ext>" entry.
func (b *BlossomStore) resolve(sum string) (string, error) {
	entries, err := afero.ReadDir(b.fs, b.Dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Name() == sum || strings.HasPrefix(e.Name(), sum+".") {
			return e.Name(), nil
		}
	}
	return "", os.ErrNotExist
}

// contentType returns the cached type if known, otherwise sniffs it from
// the file's first bytes the way http.DetectContentType does for any
// uploader that didn't set one.
func (b *BlossomStore) contentType(sum string, f afero.File, size int64) string {
	b.mu.RLock()
	meta, ok := b.cache[sum]
	b.mu.RUnlock()
	if ok {
		return meta.ContentType
	}

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	ct := http.DetectContentType(buf[:n])

	b.mu.Lock()
	b.cache[sum] = BlobMeta{ContentType: ct, Size: size}
	b.mu.Unlock()

	return ct
}

func shaFromPath(p string) (string, bool) {
	name := strings.TrimPrefix(p, "/")
	name = name[:len(name)-len(extOf(name))]
	if len(name) != 64 {
		return "", false
	}
	if _, err := hex.DecodeString(name); err != nil {
		return "", false
	}
	return name, true
}

func extOf(p string) string {
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return ext
}
