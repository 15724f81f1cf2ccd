package printjob

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bambu-fleet/monitor/internal/ftpsclient"
	"github.com/bambu-fleet/monitor/internal/model"
)

// SkipObjectPayload summarizes per-plate skip-object feasibility.
type SkipObjectPayload struct {
	Available bool                    `json:"available"`
	Reason    string                  `json:"reason,omitempty"`
	Plates    []model.SkipObjectPlate `json:"plates"`
}

// PrepareResult is the metadata payload handed to the print setup UI once a
// bundle has been fetched and parsed.
type PrepareResult struct {
	Filename          string             `json:"filename"`
	PrinterID         string             `json:"printer_id"`
	FilePath          string             `json:"file_path"`
	PlateFile         string             `json:"plate_file"`
	PlateFiles        []string           `json:"plate_files"`
	PlatePreviewURLs  []*string          `json:"plate_preview_urls"`
	Plates            []SlicePlate       `json:"plates"`
	MaxFilamentID     int                `json:"max_filament_id"`
	DefaultPlateIndex *int               `json:"default_plate_index"`
	Gcode             *GcodeSummary      `json:"gcode"`
	SkipObject        *SkipObjectPayload `json:"skip_object"`
}

// buildResult assembles the full prepare payload from an extracted bundle.
// Returns nil when no plate gcode exists.
func (s *Service) buildResult(printerID, filename, remotePath, extractDir string) *PrepareResult {
	plates := parseSliceMetadata(extractDir)
	modelSettings := parseModelSettings(extractDir)

	defaultPlatePath, plateFiles := detectPlateFiles(extractDir)
	if defaultPlatePath == "" {
		return nil
	}
	metadataDir := filepath.Join(extractDir, "Metadata")

	// Per-plate gcode summaries, keyed by plate index.
	plateGcodes := map[int]GcodeSummary{}
	for idx, name := range plateFiles {
		plateIndex := idx + 1
		if parsed := extractPlateIndex(name); parsed != nil {
			plateIndex = *parsed
		}
		plateGcodes[plateIndex] = parseGcodeHeader(filepath.Join(metadataDir, name))
	}

	// model_settings metadata backfills slice_info's (slice wins on clash).
	modelMeta := map[int]map[string]string{}
	for _, plate := range modelSettings {
		if plate.Index != nil {
			modelMeta[*plate.Index] = plate.Metadata
		}
	}
	maxFilamentID := 0
	for idx := range plates {
		plateIndex := plateIndexOf(plates[idx], idx)
		if extra, ok := modelMeta[plateIndex]; ok {
			for key, value := range extra {
				if _, exists := plates[idx].Metadata[key]; !exists {
					plates[idx].Metadata[key] = value
				}
			}
		}
		for _, fil := range plates[idx].Filaments {
			if fil.ID > maxFilamentID {
				maxFilamentID = fil.ID
			}
		}
		if summary, ok := plateGcodes[plateIndex]; ok {
			attached := summary
			plates[idx].Gcode = &attached
		}
	}

	normalizedPlateFiles := make([]string, len(plateFiles))
	for i, name := range plateFiles {
		normalizedPlateFiles[i] = "Metadata/" + name
	}

	previewMap := buildPreviewMap(metadataDir, plateFiles)
	previewURLs := make([]*string, 0, len(plates))
	for idx := range plates {
		plateIndex := plateIndexOf(plates[idx], idx)
		if rel, ok := previewMap[plateIndex]; ok {
			u := s.previewURL(printerID, filename, rel)
			previewURLs = append(previewURLs, &u)
		} else {
			previewURLs = append(previewURLs, nil)
		}
	}

	var defaultPlateIndex *int
	if len(plates) > 0 {
		zero := 0
		defaultPlateIndex = &zero
	}

	defaultIdx := 1
	if parsed := extractPlateIndex(filepath.Base(defaultPlatePath)); parsed != nil {
		defaultIdx = *parsed
	}
	gcodeSummary, ok := plateGcodes[defaultIdx]
	if !ok {
		gcodeSummary = parseGcodeHeader(defaultPlatePath)
	}

	skip := s.buildSkipPayload(printerID, filename, remotePath, extractDir, plates, modelSettings)

	return &PrepareResult{
		Filename:          filename,
		PrinterID:         printerID,
		FilePath:          remotePath,
		PlateFile:         filepath.Base(defaultPlatePath),
		PlateFiles:        normalizedPlateFiles,
		PlatePreviewURLs:  previewURLs,
		Plates:            plates,
		MaxFilamentID:     maxFilamentID,
		DefaultPlateIndex: defaultPlateIndex,
		Gcode:             &gcodeSummary,
		SkipObject:        skip,
	}
}

func plateIndexOf(plate SlicePlate, position int) int {
	if plate.Index != nil {
		return *plate.Index
	}
	return position + 1
}

// buildPreviewMap finds Metadata/<gcode_stem>.png for each plate gcode.
func buildPreviewMap(metadataDir string, plateFiles []string) map[int]string {
	previews := map[int]string{}
	for offset, name := range plateFiles {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		candidate := filepath.Join(metadataDir, stem+".png")
		if !fileExists(candidate) {
			continue
		}
		plateIndex := offset + 1
		if parsed := extractPlateIndex(name); parsed != nil {
			plateIndex = *parsed
		}
		previews[plateIndex] = "Metadata/" + stem + ".png"
	}
	return previews
}

func (s *Service) previewURL(printerID, filename, relPath string) string {
	u := fmt.Sprintf("/api/printjob/plate-preview?printer_id=%s&filename=%s&path=%s",
		url.QueryEscape(printerID), url.QueryEscape(filename), url.QueryEscape(relPath))
	if s.signPreview != nil {
		if token := s.signPreview(printerID, filename, relPath); token != "" {
			u += "&token=" + url.QueryEscape(token)
		}
	}
	return u
}

// buildSkipPayload derives the skip-object feasibility per plate: the cache
// meta must be trustworthy, labeling must have been enabled at slice time,
// the pick file must exist, and the plate must carry objects.
func (s *Service) buildSkipPayload(printerID, filename, remotePath, extractDir string, plates []SlicePlate, modelSettings []ModelSettingsPlate) *SkipObjectPayload {
	if len(plates) == 0 {
		return &SkipObjectPayload{Available: false, Reason: "slice_info_missing", Plates: []model.SkipObjectPlate{}}
	}

	metaOK := s.cacheMetaMatches(printerID, filename, remotePath)
	pickMap := buildPickFileMap(modelSettings, plates)

	status := make([]model.SkipObjectPlate, 0, len(plates))
	for idx, plate := range plates {
		plateIndex := plateIndexOf(plate, idx)
		labelEnabled := isTruthy(plate.Metadata["label_object_enabled"])

		pickRel := normalizeRelPath(pickMap[plateIndex])
		pickExists := pickRel != "" && fileExists(filepath.Join(extractDir, filepath.FromSlash(pickRel)))
		pickURL := ""
		if pickExists {
			pickURL = s.previewURL(printerID, filename, pickRel)
		}

		reason := ""
		switch {
		case !metaOK:
			reason = "cache_meta_missing"
		case !labelEnabled:
			reason = "label_object_disabled"
		case !pickExists:
			reason = "pick_file_missing"
		case len(plate.Objects) == 0:
			reason = "objects_missing"
		}

		status = append(status, model.SkipObjectPlate{
			Index:     plateIndex,
			Available: reason == "",
			Reason:    reason,
			PickPath:  pickRel,
			PickURL:   pickURL,
		})
	}

	payload := &SkipObjectPayload{Plates: status}
	if len(status) > 0 {
		payload.Available = status[0].Available
		if !payload.Available {
			payload.Reason = status[0].Reason
		}
	}
	return payload
}

// buildPickFileMap maps plate index to its pick file, defaulting to the
// conventional Metadata/pick_<n>.png when model_settings doesn't name one.
func buildPickFileMap(modelSettings []ModelSettingsPlate, plates []SlicePlate) map[int]string {
	pickMap := map[int]string{}
	for _, plate := range modelSettings {
		if plate.Index == nil {
			continue
		}
		if pick := plate.Metadata["pick_file"]; pick != "" {
			pickMap[*plate.Index] = pick
		}
	}
	for idx, plate := range plates {
		plateIndex := plateIndexOf(plate, idx)
		if _, ok := pickMap[plateIndex]; !ok {
			pickMap[plateIndex] = fmt.Sprintf("Metadata/pick_%d.png", plateIndex)
		}
	}
	return pickMap
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func normalizeRelPath(value string) string {
	safe := strings.ReplaceAll(strings.TrimSpace(value), "\\", "/")
	safe = strings.TrimPrefix(safe, "/")
	if safe == "" {
		return ""
	}
	for _, part := range strings.Split(safe, "/") {
		if part == ".." {
			return ""
		}
	}
	return safe
}

// cacheMetaMatches checks the local meta against the expected identity
// without consulting the printer.
func (s *Service) cacheMetaMatches(printerID, filename, remotePath string) bool {
	meta, ok := s.cache.metaForLocal(printerID, filename)
	if !ok {
		return false
	}
	if remotePath != "" && meta.Path != remotePath {
		return false
	}
	return true
}

// resolveCachedBundle locates a complete local bundle (file + meta +
// extracted Metadata dir) for filename, tolerating a missing .3mf suffix.
func (s *Service) resolveCachedBundle(printerID, filename string) (displayName, filePath, extractDir string, meta *cacheMeta, ok bool) {
	if filename == "" {
		return "", "", "", nil, false
	}
	base := path.Base(filename)
	candidates := []string{base}
	if !strings.HasSuffix(strings.ToLower(base), ".3mf") {
		candidates = append(candidates, base+".3mf")
	}

	for _, name := range candidates {
		candidatePath, metaPath := s.cache.Paths(printerID, name)
		if !fileExists(candidatePath) || !fileExists(metaPath) {
			continue
		}
		candidateMeta, _ := readMeta(metaPath)
		dir := extractDirFor(candidatePath)
		if !fileExists(filepath.Join(dir, "Metadata")) {
			continue
		}
		display := name
		if candidateMeta != nil && candidateMeta.Name != "" {
			display = candidateMeta.Name
		}
		return display, candidatePath, dir, candidateMeta, true
	}
	return "", "", "", nil, false
}

// CachedSkipObjectState derives skip-object state from the local cache
// only. Called by the state orchestrator when the active file changes, so
// it must not touch the network.
func (s *Service) CachedSkipObjectState(printerID, filename string) (*model.SkipObjectState, bool) {
	displayName, _, extractDir, _, ok := s.resolveCachedBundle(printerID, filename)
	if !ok {
		return nil, false
	}
	plates := parseSliceMetadata(extractDir)
	modelSettings := parseModelSettings(extractDir)
	payload := s.buildSkipPayload(printerID, displayName, "", extractDir, plates, modelSettings)
	return &model.SkipObjectState{Filename: displayName, Plates: payload.Plates}, true
}

// HasCachedExtractForRemote verifies the cached bundle against the live
// remote listing. The skip-objects command requires this stronger check.
func (s *Service) HasCachedExtractForRemote(printerID, filename string) bool {
	entry := s.fetchRemoteEntry(filename)
	if entry == nil {
		return false
	}
	if !s.cacheMetaMatchesEntry(printerID, entry) {
		return false
	}
	_, _, _, _, ok := s.resolveCachedBundle(printerID, entry.Name)
	return ok
}

// CachedMetadataResult rebuilds the full prepare payload from the cache,
// validated against the remote listing.
func (s *Service) CachedMetadataResult(printerID, filename string) *PrepareResult {
	entry := s.fetchRemoteEntry(filename)
	if entry == nil {
		return nil
	}
	if !s.cacheMetaMatchesEntry(printerID, entry) {
		return nil
	}
	displayName, _, extractDir, meta, ok := s.resolveCachedBundle(printerID, entry.Name)
	if !ok {
		return nil
	}
	remotePath := ""
	if meta != nil {
		remotePath = meta.Path
	}
	return s.buildResult(printerID, displayName, remotePath, extractDir)
}

func (s *Service) cacheMetaMatchesEntry(printerID string, entry *ftpsclient.FileEntry) bool {
	if entry.Name == "" || entry.Modified == "" || entry.Size == "" || entry.Path == "" {
		return false
	}
	return s.cache.IsValid(printerID, entry.Name, entry.Modified, entry.Size, entry.Path)
}

// fetchRemoteEntry resolves a filename (optionally missing its .3mf
// suffix) to its live listing entry.
func (s *Service) fetchRemoteEntry(filename string) *ftpsclient.FileEntry {
	if filename == "" || s.ftps == nil {
		return nil
	}
	raw := strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/")
	if strings.HasPrefix(strings.ToLower(raw), "ftp://") {
		raw = raw[6:]
	}
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return nil
	}
	parent, base := "/", raw
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		parent, base = "/"+raw[:idx], raw[idx+1:]
	}
	if base == "" {
		return nil
	}
	candidates := []string{base}
	if !strings.HasSuffix(strings.ToLower(base), ".3mf") {
		candidates = append(candidates, base+".3mf")
	}

	listing := s.ftps.ListFiles(parent)
	if !listing.IsConnected || listing.IsFallback {
		return nil
	}
	for _, name := range candidates {
		for i := range listing.Files {
			entry := &listing.Files[i]
			if !entry.IsDirectory && entry.Name == name {
				return entry
			}
		}
	}
	return nil
}

// PlatePreviewPath resolves a preview's on-disk location, refusing paths
// outside the bundle's extraction dir.
func (s *Service) PlatePreviewPath(printerID, filename, relPath string) (string, bool) {
	rel := normalizeRelPath(relPath)
	if rel == "" || filename == "" {
		return "", false
	}
	filePath, _ := s.cache.Paths(printerID, path.Base(filename))
	extractDir := extractDirFor(filePath)
	target := filepath.Join(extractDir, filepath.FromSlash(rel))
	if _, err := os.Stat(target); err != nil {
		return "", false
	}
	return target, true
}
