package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var reSafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

var (
	mediaHMACSecretOnce sync.Once
	mediaHMACSecret     []byte
)

func getMediaHMACSecret() []byte {
	mediaHMACSecretOnce.Do(func() {
		// NOTE: production should set MEDIA_URL_HMAC_SECRET to a strong random value.
		// For local dev we fall back to a fixed value to keep URLs stable across restarts.
		sec := strings.TrimSpace(os.Getenv("MEDIA_URL_HMAC_SECRET"))
		if sec == "" {
			sec = "dev-insecure-media-secret"
			log.Printf("[Media] WARNING: MEDIA_URL_HMAC_SECRET is not set; using a dev default (do not use in production)")
		}
		mediaHMACSecret = []byte(sec)
	})
	return mediaHMACSecret
}

func hmacSHA256Hex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func mediaOwnerHash(ownerID string) string {
	ownerID = strings.TrimSpace(ownerID)
	return hmacSHA256Hex(getMediaHMACSecret(), "owner:"+ownerID)
}

func sanitizeFilename(base string) string {
	base = filepath.Base(strings.TrimSpace(base))
	base = strings.Trim(base, ".")
	if base == "" {
		base = randHex(12)
	}
	return reSafeFilename.ReplaceAllString(base, "_")
}

func extForUpload(filename string, contentType string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext != "" && len(ext) <= 16 && strings.HasPrefix(ext, ".") {
		return ext
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if semi := strings.Index(ct, ";"); semi >= 0 {
		ct = strings.TrimSpace(ct[:semi])
	}
	if ct != "" {
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			e := strings.ToLower(strings.TrimSpace(exts[0]))
			if e != "" && strings.HasPrefix(e, ".") && len(e) <= 16 {
				return e
			}
		}
	}
	return ".bin"
}

// assetStore keeps generated and uploaded images on local disk under
// HMAC-derived per-owner directories, served at /media/. Paths are
// deterministic per (owner, key): storing again under the same key
// overwrites in place, and the previous bytes survive as a .prev sibling so
// one revert is always possible.
type assetStore struct {
	root string
}

func newAssetStore(root string) *assetStore {
	if strings.TrimSpace(root) == "" {
		root = "media"
	}
	return &assetStore{root: root}
}

func (s *assetStore) pathFor(ownerID, key, ext string) (dir, path, relURL string) {
	ownerHash := mediaOwnerHash(ownerID)
	fileHash := hmacSHA256Hex(getMediaHMACSecret(), fmt.Sprintf("file:%s:%s", strings.TrimSpace(ownerID), strings.TrimSpace(key)))
	prefix := fileHash[:5]
	fn := fileHash + ext
	dir = filepath.Join(s.root, ownerHash, prefix)
	path = filepath.Join(dir, fn)
	relURL = fmt.Sprintf("/media/%s/%s/%s", ownerHash, prefix, fn)
	return dir, path, relURL
}

// put stores data under (ownerID, key). When the key already has bytes on
// disk they are moved aside to <file>.prev first, replacing any older .prev.
func (s *assetStore) put(ownerID, key string, data []byte, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		key = randHex(16)
	}
	ext := extForUpload(sanitizeFilename(key), contentType)
	dir, path, relURL := s.pathFor(ownerID, key, ext)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".prev"); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	log.Printf("[Media] stored owner=%s key=%s bytes=%d", ownerID, key, len(data))
	return relURL, nil
}

// revert restores the previous version of a key. It fails with
// os.ErrNotExist when no prior version was kept.
func (s *assetStore) revert(ownerID, key, contentType string) (string, error) {
	ext := extForUpload(sanitizeFilename(key), contentType)
	_, path, relURL := s.pathFor(ownerID, key, ext)

	if _, err := os.Stat(path + ".prev"); err != nil {
		return "", err
	}
	if err := os.Rename(path+".prev", path); err != nil {
		return "", err
	}
	log.Printf("[Media] reverted owner=%s key=%s", ownerID, key)
	return relURL, nil
}

// delete removes a key and its kept previous version. Deleting something
// that is already gone is not an error.
func (s *assetStore) delete(ownerID, key, contentType string) error {
	ext := extForUpload(sanitizeFilename(key), contentType)
	_, path, _ := s.pathFor(ownerID, key, ext)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + ".prev"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var reDataURL = regexp.MustCompile(`^data:([-\w.+/]+);base64,`)

// putDataURL ingests a base64 data: URL (the shape image generation hands
// back) and returns the served relative URL. Non-data URLs pass through
// untouched so externally hosted images keep working.
func (s *assetStore) putDataURL(ownerID, key, raw string) (string, error) {
	m := reDataURL.FindStringSubmatch(raw)
	if m == nil {
		return raw, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw[len(m[0]):])
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	return s.put(ownerID, key, data, m[1])
}

// ---- HTTP wrappers ----

const maxUploadBytes = 25 << 20

// UploadAssetForOwner accepts one multipart file field named "file" plus an
// optional "key" form value. Re-uploading the same key overwrites.
func (h *Handler) UploadAssetForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	key := strings.TrimSpace(r.FormValue("key"))
	if key == "" {
		key = sanitizeFilename(header.Filename)
	}
	relURL, err := h.assets.put(ownerID, key, data, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "key": key, "url": relURL, "size": len(data)})
}

type assetKeyRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// RevertAssetForOwner swaps a key back to its previous version.
func (h *Handler) RevertAssetForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	var req assetKeyRequest
	if err := decodeJSON(r, &req); err != nil || ownerID == "" || strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "ownerId and key are required")
		return
	}
	relURL, err := h.assets.revert(ownerID, req.Key, req.ContentType)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no previous version")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": relURL})
}

// DeleteAssetForOwner removes a key; absent keys return ok as well.
func (h *Handler) DeleteAssetForOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(pathVar(r, "ownerId"))
	var req assetKeyRequest
	if err := decodeJSON(r, &req); err != nil || ownerID == "" || strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "ownerId and key are required")
		return
	}
	if err := h.assets.delete(ownerID, req.Key, req.ContentType); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
