package printjob

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CacheStats summarizes the print-cache tree for the admin endpoint.
type CacheStats struct {
	TotalBytes  int64 `json:"size_bytes"`
	FileCount   int   `json:"file_count"`
	FolderCount int   `json:"folder_count"`
}

// CacheCleanResult reports what a prune removed.
type CacheCleanResult struct {
	RemovedBytes   int64 `json:"removed_bytes"`
	RemovedFiles   int   `json:"removed_files"`
	RemovedFolders int   `json:"removed_folders"`
	RemovedBundles int   `json:"removed_bundles"`
}

// Sweeper walks the print-cache tree for size reporting and age-based
// pruning. Each .3mf is treated as a bundle: the file, its meta, and the
// extracted directory live and die together.
type Sweeper struct {
	baseDir string
}

func NewSweeper(baseDir string) *Sweeper { return &Sweeper{baseDir: baseDir} }

func (s *Sweeper) Stats() CacheStats {
	stats := CacheStats{}
	filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == s.baseDir {
			return nil
		}
		if info.IsDir() {
			stats.FolderCount++
		} else {
			stats.FileCount++
			stats.TotalBytes += info.Size()
		}
		return nil
	})
	return stats
}

// Clean removes bundles whose newest content is older than olderThan.
func (s *Sweeper) Clean(olderThan time.Duration) CacheCleanResult {
	cutoff := time.Now().Add(-olderThan)
	result := CacheCleanResult{}

	printerDirs, err := os.ReadDir(s.baseDir)
	if err != nil {
		return result
	}
	for _, printerDir := range printerDirs {
		if !printerDir.IsDir() {
			continue
		}
		s.cleanPrinterDir(filepath.Join(s.baseDir, printerDir.Name()), cutoff, &result)
	}
	return result
}

func (s *Sweeper) cleanPrinterDir(dir string, cutoff time.Time, result *CacheCleanResult) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	// Bundles: the .3mf plus its extraction dir and meta.
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".3mf") {
			continue
		}
		filePath := filepath.Join(dir, entry.Name())
		extractDir := extractDirFor(filePath)
		ref := filePath
		if fileExists(extractDir) {
			ref = extractDir
		}
		if !olderThan(ref, cutoff) {
			continue
		}
		s.removeFileWithMeta(filePath, result)
		s.removeDir(extractDir, result)
		result.RemovedBundles++
	}

	// Loose files (gcode uploads) age out with their metas.
	for _, entry := range entries {
		if entry.IsDir() || strings.EqualFold(filepath.Ext(entry.Name()), ".3mf") || strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if olderThan(path, cutoff) {
			s.removeFileWithMeta(path, result)
			result.RemovedBundles++
		}
	}

	// Orphan extraction dirs whose .3mf is gone.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if fileExists(path + ".3mf") {
			continue
		}
		if olderThan(path, cutoff) {
			s.removeDir(path, result)
			s.removeFile(path+".3mf.meta.json", result)
			result.RemovedBundles++
		}
	}

	// Metas whose payload is gone entirely.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".meta.json")
		if fileExists(filepath.Join(dir, base)) || fileExists(extractDirFor(filepath.Join(dir, base))) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if olderThan(path, cutoff) {
			s.removeFile(path, result)
		}
	}
}

func (s *Sweeper) removeFileWithMeta(path string, result *CacheCleanResult) {
	s.removeFile(path, result)
	s.removeFile(path+".meta.json", result)
}

func (s *Sweeper) removeFile(path string, result *CacheCleanResult) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if os.Remove(path) == nil {
		result.RemovedBytes += info.Size()
		result.RemovedFiles++
	}
}

func (s *Sweeper) removeDir(path string, result *CacheCleanResult) {
	if !fileExists(path) {
		return
	}
	filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			result.RemovedFolders++
		} else {
			result.RemovedBytes += info.Size()
			result.RemovedFiles++
		}
		return nil
	})
	os.RemoveAll(path)
}

func olderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.ModTime().After(cutoff)
}
