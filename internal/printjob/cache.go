package printjob

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	atomicfile "github.com/natefinch/atomic"
)

// cacheMeta validates a cached bundle against the remote listing: a bundle
// is only trusted when name, modified, size, and remote path all match.
type cacheMeta struct {
	Name     string `json:"name"`
	Modified string `json:"modified"`
	Size     string `json:"size"`
	Path     string `json:"path"`
}

// Cache manages the on-disk bundle layout:
// <base>/<printer_id>/<filename> plus <filename>.meta.json plus the
// extracted directory named after the stem.
type Cache struct {
	baseDir string
}

func NewCache(baseDir string) *Cache { return &Cache{baseDir: baseDir} }

// Paths returns the cached file and meta locations, creating the printer's
// directory on first use.
func (c *Cache) Paths(printerID, filename string) (filePath, metaPath string) {
	base := filepath.Join(c.baseDir, printerID)
	os.MkdirAll(base, 0o755)
	return filepath.Join(base, filename), filepath.Join(base, filename+".meta.json")
}

// IsValid reports whether the cached copy of filename matches the remote
// listing entry.
func (c *Cache) IsValid(printerID, filename, modified, size, remotePath string) bool {
	filePath, metaPath := c.Paths(printerID, filename)
	if !fileExists(filePath) || !fileExists(metaPath) {
		return false
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return false
	}
	if meta.Name != filename || meta.Modified != modified || meta.Size != size {
		return false
	}
	if remotePath != "" && meta.Path != remotePath {
		return false
	}
	return true
}

// WriteMeta commits the listing identity for a freshly downloaded file.
func (c *Cache) WriteMeta(printerID, filename, modified, size, remotePath string) error {
	_, metaPath := c.Paths(printerID, filename)
	data, err := json.Marshal(cacheMeta{Name: filename, Modified: modified, Size: size, Path: remotePath})
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(metaPath, bytes.NewReader(data))
}

// metaForLocal loads a bundle's meta without remote validation, requiring
// only that the identity fields are populated.
func (c *Cache) metaForLocal(printerID, filename string) (*cacheMeta, bool) {
	filePath, metaPath := c.Paths(printerID, filename)
	if !fileExists(filePath) || !fileExists(metaPath) {
		return nil, false
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, false
	}
	if meta.Name != filename || meta.Modified == "" || meta.Size == "" {
		return nil, false
	}
	return meta, true
}

// extractDirFor strips the extension to get the bundle's extraction dir.
func extractDirFor(filePath string) string {
	return strings.TrimSuffix(filePath, filepath.Ext(filePath))
}

func readMeta(metaPath string) (*cacheMeta, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}
	meta := &cacheMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
