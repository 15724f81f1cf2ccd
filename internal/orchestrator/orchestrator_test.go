package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/assembler"
	"github.com/bambu-fleet/monitor/internal/hms"
	"github.com/bambu-fleet/monitor/internal/model"
	"github.com/bambu-fleet/monitor/internal/notifier"
	"github.com/bambu-fleet/monitor/internal/repository"
)

func newFixture(t *testing.T) (*Orchestrator, *repository.Repository, *[]model.PrinterState) {
	t.Helper()
	repo := repository.New()
	notif := notifier.New()
	var published []model.PrinterState
	notif.Register(func(printerID string, state model.PrinterState) {
		published = append(published, state)
	})
	asm := assembler.New(hms.NewTables(t.TempDir()))
	orch := New(repo, notif, asm, nil)
	return orch, repo, &published
}

func TestUpdatePrintDataMergesAndPublishes(t *testing.T) {
	orch, repo, published := newFixture(t)

	orch.UpdatePrintData("p1", map[string]any{
		"print": map[string]any{"gcode_state": "PREPARE"},
	})
	require.NotEmpty(t, *published)
	assert.Equal(t, model.GcodePrepare, repo.GetState("p1").Print.GcodeState)

	// A partial report with a sentinel must not clobber prior state.
	orch.UpdatePrintData("p1", map[string]any{
		"print": map[string]any{"gcode_state": "", "mc_percent": float64(42)},
	})
	state := repo.GetState("p1")
	assert.Equal(t, model.GcodePrepare, state.Print.GcodeState)
	assert.Equal(t, 42, state.Print.Percent)
}

func TestPrintAgainLifecycle(t *testing.T) {
	orch, repo, _ := newFixture(t)

	record := &model.LastSentProjectFile{
		Command: "project_file",
		URL:     "ftp:///cube.3mf",
		File:    "cube.3mf",
		Plate:   "Metadata/plate_1.gcode",
		SentAt:  time.Now().UTC(),
	}

	orch.SetPrinterOnline("p1", true)
	orch.SetLastSentProjectFile("p1", record)
	orch.UpdatePrintData("p1", map[string]any{
		"print": map[string]any{"gcode_state": "FINISH", "gcode_file": "cube.3mf"},
	})

	state := repo.GetState("p1")
	require.True(t, state.Print.PrintAgain.Visible)
	assert.True(t, state.Print.PrintAgain.Enabled)
	require.NotNil(t, state.Print.PrintAgain.Payload)
	assert.Equal(t, "ftp:///cube.3mf", state.Print.PrintAgain.Payload.URL)
	assert.Equal(t, "Metadata/plate_1.gcode", state.Print.PrintAgain.Payload.Plate)

	// Going offline disables the affordance but keeps it visible.
	orch.SetPrinterOnline("p1", false)
	state = repo.GetState("p1")
	assert.True(t, state.Print.PrintAgain.Visible)
	assert.False(t, state.Print.PrintAgain.Enabled)
	assert.Equal(t, "printer_offline", state.Print.PrintAgain.Reason)
}

func TestOfflineResetsAms(t *testing.T) {
	orch, repo, _ := newFixture(t)

	orch.UpdatePrintData("p1", map[string]any{
		"print": map[string]any{
			"ams": map[string]any{
				"ams_exist_bits": "1",
				"ams": []any{map[string]any{"id": "0", "humidity": "4", "temp": "28.5", "tray": []any{}}},
			},
		},
	})
	orch.SetPrinterOnline("p1", true)

	orch.SetPrinterOnline("p1", false)
	state := repo.GetState("p1")
	assert.Equal(t, 0, state.Ams.TotalAms)
	assert.Empty(t, state.Ams.AmsUnits)
}

func TestStatusSettersPublishOnlyOnChange(t *testing.T) {
	orch, _, published := newFixture(t)

	orch.SetFtpsStatus("p1", model.FtpsConnected)
	count := len(*published)
	orch.SetFtpsStatus("p1", model.FtpsConnected)
	assert.Equal(t, count, len(*published), "unchanged FTPS status must not notify")

	orch.SetCameraStatus("p1", model.CameraStreaming, "Camera streaming")
	count = len(*published)
	orch.SetCameraStatus("p1", model.CameraStreaming, "Camera streaming")
	assert.Equal(t, count, len(*published), "unchanged camera status must not notify")
	orch.SetCameraStatus("p1", model.CameraStreaming, "different reason")
	assert.Equal(t, count+1, len(*published))
}

func TestCameraFrameDoesNotNotify(t *testing.T) {
	orch, repo, published := newFixture(t)

	count := len(*published)
	orch.UpdateCameraFrame("p1", "base64jpeg")
	assert.Equal(t, count, len(*published))
	assert.Equal(t, "base64jpeg", repo.GetState("p1").CameraFrame)
}
