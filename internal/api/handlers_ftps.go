package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/ftpsclient"
	"github.com/bambu-fleet/monitor/internal/printjob"
)

func (a *API) requireFTPS(w http.ResponseWriter) (*ftpsclient.Service, string, bool) {
	active, ok := a.reg.ActivePrinter()
	if !ok {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return nil, "", false
	}
	ftps := a.reg.FTPS()
	if ftps == nil {
		a.writeError(w, apperr.ServiceUnavailable("Printer not configured yet"))
		return nil, "", false
	}
	return ftps, active.ID, true
}

func (a *API) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	listPath := r.URL.Query().Get("path")
	if listPath == "" {
		listPath = "/"
	}
	a.writeJSON(w, 200, ftps.ListFiles(listPath))
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	filePath := r.URL.Query().Get("file_path")
	if filePath == "" {
		a.writeError(w, apperr.BadRequest("file_path is required"))
		return
	}
	filename := path.Base(filePath)
	if filename == "" || filename == "/" {
		filename = "download"
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if size := ftps.RemoteFileSize(filePath); size >= 0 {
		w.Header().Set("X-File-Size", strconv.FormatInt(size, 10))
	}

	if err := ftps.StreamFile(filePath, w, nil); err != nil {
		// Headers may already be out; log-and-drop matches streaming
		// semantics elsewhere.
		a.writeError(w, err)
	}
}

func (a *API) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	var req struct {
		Path       string `json:"path"`
		FolderName string `json:"folder_name"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if strings.TrimSpace(req.FolderName) == "" {
		a.writeError(w, apperr.BadRequest("Folder name cannot be empty"))
		return
	}
	if err := ftps.CreateFolder(req.Path, req.FolderName); err != nil {
		a.writeError(w, err)
		return
	}
	created := strings.ReplaceAll(strings.TrimSuffix(req.Path, "/")+"/"+req.FolderName, "//", "/")
	a.writeJSON(w, 200, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Folder %q created successfully", req.FolderName),
		"path":    created,
	})
}

func (a *API) handleRename(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	var req struct {
		Path    string `json:"path"`
		NewName string `json:"new_name"`
	}
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, err)
		return
	}
	if err := ftps.Rename(req.Path, req.NewName); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, 200, map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("Renamed to %q", strings.TrimSpace(req.NewName)),
		"filename": strings.TrimSpace(req.NewName),
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	target := r.URL.Query().Get("path")
	if target == "" || target == "/" {
		a.writeError(w, apperr.BadRequest("Cannot delete root directory"))
		return
	}
	deleted, err := ftps.Delete(target)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !deleted {
		a.writeError(w, apperr.BadRequest("Delete failed"))
		return
	}
	a.writeJSON(w, 200, map[string]any{
		"success":      true,
		"message":      "Deleted successfully",
		"deleted_path": target,
	})
}

var allowedUploadExtensions = map[string]bool{".gcode": true, ".3mf": true}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	ftps, printerID, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		a.writeError(w, apperr.BadRequest("Invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.writeError(w, apperr.BadRequest("Invalid file"))
		return
	}
	defer file.Close()

	filename := path.Base(header.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedUploadExtensions[ext] {
		a.writeError(w, apperr.BadRequest("File type not allowed. Allowed types: .gcode, .3mf"))
		return
	}
	targetPath := r.FormValue("path")
	if targetPath == "" {
		targetPath = "/"
	}

	var size *int64
	if header.Size > 0 {
		s := header.Size
		size = &s
	}

	settings := a.reg.Store.Snapshot().AppSettings
	shouldCache := settings.CacheUploadEnabled && ext == ".3mf"
	var cachedPath string
	if shouldCache {
		cache := printjob.NewCache(a.reg.Config.CacheDir)
		cachedPath, err = spoolToCache(cache, printerID, filename, file)
		if err != nil {
			a.writeError(w, apperr.Internal("Failed to spool upload to cache"))
			return
		}
	}

	if shouldCache {
		src, err := os.Open(cachedPath)
		if err != nil {
			a.writeError(w, apperr.Internal("Failed to read cached upload"))
			return
		}
		err = ftps.Upload(src, size, filename, targetPath)
		src.Close()
		if err != nil {
			os.Remove(cachedPath)
			os.Remove(cachedPath + ".meta.json")
			a.writeError(w, err)
			return
		}
		// Stamp the cache meta from the fresh remote listing so the bundle
		// is immediately usable by the print-job pipeline.
		cache := printjob.NewCache(a.reg.Config.CacheDir)
		listing := ftps.ListFiles(targetPath)
		for _, entry := range listing.Files {
			if !entry.IsDirectory && entry.Name == filename {
				cache.WriteMeta(printerID, filename, entry.Modified, entry.Size, entry.Path)
				break
			}
		}
	} else {
		if err := ftps.Upload(file, size, filename, targetPath); err != nil {
			a.writeError(w, err)
			return
		}
	}

	a.writeJSON(w, 200, map[string]any{
		"success":  true,
		"message":  "File uploaded successfully",
		"filename": filename,
		"path":     targetPath,
	})
}

func spoolToCache(cache *printjob.Cache, printerID, filename string, src io.Reader) (string, error) {
	cachedPath, _ := cache.Paths(printerID, filename)
	tmp := cachedPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 1<<20)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmp)
				return "", writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(tmp)
			return "", readErr
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, cachedPath); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return cachedPath, nil
}

func (a *API) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	a.writeJSON(w, 200, ftps.UploadStatus())
}

func (a *API) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	ftps, _, ok := a.requireFTPS(w)
	if !ok {
		return
	}
	if !ftps.CancelUpload() {
		a.writeError(w, apperr.BadRequest("No active upload to cancel"))
		return
	}
	a.writeJSON(w, 200, simpleMessage{Success: true, Message: "Upload cancellation requested"})
}
