package server

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/perch/internal/logger"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// handleUpload saves one multipart file into the uploads directory and
// returns its path, suitable for submit's imagePath.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := uploadName(header.Filename)
	dst := filepath.Join(s.store.UploadsDir(), name)
	out, err := os.Create(dst)
	if err != nil {
		logger.Error("create upload", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(dst)
		logger.Error("write upload", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Debug("upload saved", "path", dst, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]string{"path": dst})
}

// uploadName builds "<unix-ms>-<rand><ext>" keeping only the original
// extension. The random suffix avoids collisions within one millisecond.
func uploadName(original string) string {
	buf := make([]byte, 4)
	rand.Read(buf)
	ext := filepath.Ext(original)
	if len(ext) > 10 {
		ext = ""
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(buf) + ext
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Path  string `json:"path"`
}

// handleBrowse lists a directory under the configured workdir. Dotfiles
// are skipped; directories sort first.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = s.cfg.Workdir
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	root, err := filepath.Abs(s.cfg.Workdir)
	if err == nil && abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		http.Error(w, "path outside workdir", http.StatusForbidden)
		return
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		http.Error(w, "cannot read directory", http.StatusNotFound)
		return
	}

	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, dirEntry{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Path:  filepath.Join(abs, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})

	writeJSON(w, http.StatusOK, map[string]any{"path": abs, "entries": out})
}
