package ftpsclient

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bambu-fleet/monitor/internal/apperr"
	"github.com/bambu-fleet/monitor/internal/model"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "/", false},
		{"/", "/", false},
		{"models", "/models", false},
		{"/models/cube.3mf", "/models/cube.3mf", false},
		{"models/sub/", "/models/sub", false},
		{"  /models ", "/models", false},
		{"/../etc", "", true},
		{"a/../../b", "", true},
	}
	for _, tt := range tests {
		got, err := normalizePath(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "", toClientPath("/"))
	assert.Equal(t, "models/cube.3mf", toClientPath("/models/cube.3mf"))
	assert.Equal(t, "/", parentPath("/"))
	assert.Equal(t, "/", parentPath("/cube.3mf"))
	assert.Equal(t, "/models", parentPath("/models/cube.3mf"))
	assert.Equal(t, "models/cube.3mf", composeRemotePath("/models", "cube.3mf"))
	assert.Equal(t, "cube.3mf", composeRemotePath("/", "cube.3mf"))
}

func TestSanitizeFolderName(t *testing.T) {
	assert.Equal(t, "new folder", sanitizeFolderName("  new folder "))
	assert.Equal(t, "safe", sanitizeFolderName("/safe/"))
	assert.Equal(t, "evil", sanitizeFolderName(`ev<>il:*?"`))
	assert.Equal(t, "", sanitizeFolderName("/../"))
	assert.Equal(t, "ab", sanitizeFolderName("a..b"))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", formatSize(0))
	assert.Equal(t, "512.0 B", formatSize(512))
	assert.Equal(t, "1.0 KB", formatSize(1024))
	assert.Equal(t, "1.4 MB", formatSize(1468006))
	assert.Equal(t, "2.0 GB", formatSize(2<<30))
}

func TestUploadStateMachine(t *testing.T) {
	var statuses []model.FtpsStatus
	svc := NewService(Config{Host: "printer"}, func(s model.FtpsStatus) { statuses = append(statuses, s) })

	stored := &bytes.Buffer{}
	svc.storeFunc = func(remote string, src io.Reader) error {
		assert.Equal(t, "models/cube.3mf", remote)
		_, err := io.Copy(stored, src)
		return err
	}

	size := int64(11)
	err := svc.Upload(strings.NewReader("hello world"), &size, "cube.3mf", "/models")
	require.NoError(t, err)
	assert.Equal(t, "hello world", stored.String())

	state := svc.UploadStatus()
	assert.False(t, state.Active)
	assert.Equal(t, "completed", state.Status)
	assert.Equal(t, int64(11), state.Sent)
	assert.Equal(t, 1, state.Generation)
}

func TestUploadCancellation(t *testing.T) {
	svc := NewService(Config{Host: "printer"}, nil)

	svc.storeFunc = func(remote string, src io.Reader) error {
		buf := make([]byte, 4)
		// First chunk succeeds, then the cancel flag is raised mid-transfer.
		if _, err := src.Read(buf); err != nil {
			return err
		}
		assert.True(t, svc.CancelUpload())
		assert.False(t, svc.CancelUpload(), "second cancel is a no-op")
		_, err := io.Copy(io.Discard, src)
		return err
	}

	err := svc.Upload(strings.NewReader("0123456789abcdef"), nil, "big.3mf", "/")
	require.Error(t, err)
	var domain *apperr.DomainError
	require.ErrorAs(t, err, &domain)
	assert.Equal(t, 499, domain.Status)
	assert.Equal(t, "cancelled", svc.UploadStatus().Status)

	// No active upload left to cancel.
	assert.False(t, svc.CancelUpload())
}

func TestUploadRejectsConcurrent(t *testing.T) {
	svc := NewService(Config{Host: "printer"}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	svc.storeFunc = func(remote string, src io.Reader) error {
		close(started)
		<-release
		return nil
	}

	go svc.Upload(strings.NewReader("x"), nil, "a.3mf", "/")
	<-started

	err := svc.Upload(strings.NewReader("y"), nil, "b.3mf", "/")
	var domain *apperr.DomainError
	require.ErrorAs(t, err, &domain)
	assert.Equal(t, 409, domain.Status)
	close(release)
}

func TestFallbackListing(t *testing.T) {
	svc := NewService(Config{Host: "printer"}, nil)
	svc.SetReconnectPaused(true)

	listing := svc.ListFiles("/models")
	assert.True(t, listing.IsFallback)
	assert.False(t, listing.IsConnected)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "..", listing.Files[0].Name)

	root := svc.ListFiles("/")
	assert.Empty(t, root.Files)
}
