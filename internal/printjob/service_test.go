package printjob

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/ftpsclient"
	"github.com/bambu-fleet/monitor/internal/model"
)

func buildBundleZip(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	files := map[string]string{
		"Metadata/slice_info.config":     sliceInfoFixture,
		"Metadata/model_settings.config": modelSettingsFixture,
		"Metadata/plate_1.gcode":         gcodeFixture,
		"Metadata/plate_1.png":           "png",
		"Metadata/pick_1.png":            "png",
		"3D/3dmodel.model":               "<model/>",
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeBrowser struct {
	mu      sync.Mutex
	entries map[string][]ftpsclient.FileEntry
	content map[string][]byte
	streams int
}

func (f *fakeBrowser) ListFiles(path string) ftpsclient.DirectoryListing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ftpsclient.DirectoryListing{
		Files:       append([]ftpsclient.FileEntry(nil), f.entries[path]...),
		CurrentPath: path,
		IsConnected: true,
	}
}

func (f *fakeBrowser) StreamFile(path string, w io.Writer, progress func(int64)) error {
	f.mu.Lock()
	f.streams++
	data := f.content[path]
	f.mu.Unlock()
	_, err := w.Write(data)
	return err
}

func (f *fakeBrowser) RemoteFileSize(path string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.content[path]; ok {
		return int64(len(data))
	}
	return -1
}

func (f *fakeBrowser) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (f *fakePublisher) Publish(payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	lastSent *model.LastSentProjectFile
}

func (f *fakeRecorder) SetLastSentProjectFile(printerID string, record *model.LastSentProjectFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSent = record
}

func waitForStatus(t *testing.T, svc *Service, printerID, want string) JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := svc.JobStatus(printerID)
		if state.Status == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached status %q (last: %+v)", want, svc.JobStatus(printerID))
	return JobState{}
}

func newBrowserWithBundle(t *testing.T) *fakeBrowser {
	bundle := buildBundleZip(t)
	return &fakeBrowser{
		entries: map[string][]ftpsclient.FileEntry{
			"/models": {{
				Name:      "cube.3mf",
				Size:      "1.2 KB",
				SizeBytes: int64(len(bundle)),
				Modified:  "2025-01-01 12:00",
				Path:      "/models/cube.3mf",
				Type:      "file",
			}},
		},
		content: map[string][]byte{"/models/cube.3mf": bundle},
	}
}

func TestPrepareDownloadsThenUsesCache(t *testing.T) {
	browser := newBrowserWithBundle(t)
	svc := NewService(t.TempDir(), browser, &fakePublisher{}, &fakeRecorder{}, nil)
	defer svc.Shutdown()

	svc.Prepare("p1", "/models/cube.3mf")
	state := waitForStatus(t, svc, "p1", "completed")

	assert.Equal(t, 1, browser.streamCount())
	assert.Equal(t, 100, state.Progress)
	assert.Equal(t, "Ready for print setup", state.Step)
	require.NotNil(t, state.MetadataResult)
	result := state.MetadataResult
	assert.Equal(t, "cube.3mf", result.Filename)
	assert.Equal(t, "plate_1.gcode", result.PlateFile)
	assert.Equal(t, []string{"Metadata/plate_1.gcode"}, result.PlateFiles)
	assert.Equal(t, 2, result.MaxFilamentID)
	require.NotNil(t, result.Gcode)
	require.NotNil(t, result.Gcode.TotalLayerNumber)
	assert.Equal(t, 120, *result.Gcode.TotalLayerNumber)
	require.NotNil(t, result.SkipObject)
	assert.True(t, result.SkipObject.Available)
	require.Len(t, result.PlatePreviewURLs, 1)
	require.NotNil(t, result.PlatePreviewURLs[0])
	assert.Contains(t, *result.PlatePreviewURLs[0], "/api/printjob/plate-preview?")

	// A second prepare with the identical remote listing skips the download.
	svc.Prepare("p1", "/models/cube.3mf")
	waitForStatus(t, svc, "p1", "completed")
	assert.Equal(t, 1, browser.streamCount(), "cache hit must not re-download")
}

func TestPrepareRejectsTraversalAndMissing(t *testing.T) {
	browser := newBrowserWithBundle(t)
	svc := NewService(t.TempDir(), browser, &fakePublisher{}, &fakeRecorder{}, nil)
	defer svc.Shutdown()

	svc.Prepare("p1", "/models/../etc/passwd")
	state := waitForStatus(t, svc, "p1", "error")
	assert.Equal(t, "Invalid file path", state.Message)

	svc.Prepare("p2", "/models/ghost.3mf")
	state = waitForStatus(t, svc, "p2", "error")
	assert.Equal(t, "File not found on printer", state.Message)
}

func TestCachedSkipObjectState(t *testing.T) {
	browser := newBrowserWithBundle(t)
	svc := NewService(t.TempDir(), browser, &fakePublisher{}, &fakeRecorder{}, nil)
	defer svc.Shutdown()

	// Nothing cached yet.
	_, ok := svc.CachedSkipObjectState("p1", "cube.3mf")
	assert.False(t, ok)

	svc.Prepare("p1", "/models/cube.3mf")
	waitForStatus(t, svc, "p1", "completed")

	state, ok := svc.CachedSkipObjectState("p1", "cube.3mf")
	require.True(t, ok)
	assert.Equal(t, "cube.3mf", state.Filename)
	require.Len(t, state.Plates, 1)
	assert.True(t, state.Plates[0].Available)
	assert.Equal(t, 1, state.Plates[0].Index)

	// Missing the extension still resolves the bundle.
	_, ok = svc.CachedSkipObjectState("p1", "cube")
	assert.True(t, ok)
}

func TestSkipPayloadReasons(t *testing.T) {
	svc := NewService(t.TempDir(), nil, nil, nil, nil)
	defer svc.Shutdown()

	extractDir := t.TempDir()
	writeBundleFixture(t, extractDir)
	plates := parseSliceMetadata(extractDir)
	settings := parseModelSettings(extractDir)

	// No cache meta on disk: every plate is blocked on cache_meta_missing.
	payload := svc.buildSkipPayload("p1", "cube.3mf", "", extractDir, plates, settings)
	assert.False(t, payload.Available)
	assert.Equal(t, "cache_meta_missing", payload.Reason)

	// Once a valid meta exists, a disabled label flag is the next blocker.
	filePath, _ := svc.cache.Paths("p1", "cube.3mf")
	require.NoError(t, osWriteFile(filePath, []byte("bundle")))
	require.NoError(t, svc.cache.WriteMeta("p1", "cube.3mf", "2025-01-01 12:00", "1.2 KB", "/models/cube.3mf"))

	payload = svc.buildSkipPayload("p1", "cube.3mf", "", extractDir, []SlicePlate{{
		Metadata: map[string]string{"label_object_enabled": "false"},
		Objects:  plates[0].Objects,
	}}, settings)
	assert.Equal(t, "label_object_disabled", payload.Plates[0].Reason)

	payload = svc.buildSkipPayload("p1", "cube.3mf", "", extractDir, nil, settings)
	assert.Equal(t, "slice_info_missing", payload.Reason)
}

func TestExecutePrint(t *testing.T) {
	publisher := &fakePublisher{}
	recorder := &fakeRecorder{}
	svc := NewService(t.TempDir(), nil, publisher, recorder, nil)
	defer svc.Shutdown()

	err := svc.ExecutePrint("p1", ExecuteParams{
		URL:   "ftp:///cube.3mf",
		Plate: "Metadata/plate_1.gcode",
	})
	require.NoError(t, err)

	require.Len(t, publisher.payloads, 1)
	printSection := publisher.payloads[0]["print"].(map[string]any)
	assert.Equal(t, "project_file", printSection["command"])
	assert.Equal(t, "ftp:///cube.3mf", printSection["url"])
	assert.Equal(t, "Metadata/plate_1.gcode", printSection["param"])
	assert.Equal(t, true, printSection["use_ams"])
	assert.Equal(t, true, printSection["layer_inspect"])

	require.NotNil(t, recorder.lastSent)
	assert.Equal(t, "cube.3mf", recorder.lastSent.File)
	assert.Equal(t, "Metadata/plate_1.gcode", recorder.lastSent.Plate)

	// Missing knobs are rejected before anything is published.
	err = svc.ExecutePrint("p1", ExecuteParams{})
	require.Error(t, err)
	assert.Len(t, publisher.payloads, 1)
}

func TestSweeper(t *testing.T) {
	base := t.TempDir()
	cache := NewCache(base)
	filePath, _ := cache.Paths("p1", "old.3mf")
	require.NoError(t, osWriteFile(filePath, buildBundleZip(t)))
	require.NoError(t, cache.WriteMeta("p1", "old.3mf", "2020-01-01 00:00", "1 KB", "/old.3mf"))

	sweeper := NewSweeper(base)
	stats := sweeper.Stats()
	assert.Equal(t, 2, stats.FileCount)
	assert.Greater(t, stats.TotalBytes, int64(0))

	// Everything is newer than the cutoff: nothing removed.
	result := sweeper.Clean(24 * time.Hour)
	assert.Equal(t, 0, result.RemovedBundles)

	// Zero cutoff prunes the bundle and its meta.
	result = sweeper.Clean(0)
	assert.Equal(t, 1, result.RemovedBundles)
	assert.Equal(t, 2, result.RemovedFiles)
	assert.Equal(t, 0, sweeper.Stats().FileCount)
}

func osWriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
