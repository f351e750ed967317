package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/appdeploy/packpilot/internal/domain"
	"github.com/appdeploy/packpilot/internal/graph"
	"github.com/appdeploy/packpilot/internal/logger"
)

// uploadBackend plays both the management API and the blob store behind the
// storage URI it hands out, recording the order of calls.
type uploadBackend struct {
	calls         []string
	blockIDs      []string
	blockListBody string
	commitBody    string
	rulesBody     string

	storageURI  string
	uriPolls    int
	uriFailed   bool
	commitPolls int
	committed   bool
}

func (b *uploadBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "block":
			b.calls = append(b.calls, "putBlock")
			b.blockIDs = append(b.blockIDs, r.URL.Query().Get("blockid"))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Query().Get("comp") == "blocklist":
			body, _ := io.ReadAll(r.Body)
			b.blockListBody = string(body)
			b.calls = append(b.calls, "commitBlockList")
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/deviceAppManagement/mobileApps":
			b.calls = append(b.calls, "createApp")
			writeJSON(w, map[string]string{"id": "app-1"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/contentVersions"):
			b.calls = append(b.calls, "createVersion")
			writeJSON(w, map[string]string{"id": "1"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/files"):
			b.calls = append(b.calls, "createFile")
			writeJSON(w, map[string]string{"id": "file-1"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/commit"):
			body, _ := io.ReadAll(r.Body)
			b.commitBody = string(body)
			b.committed = true
			b.calls = append(b.calls, "commitFile")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files/"):
			b.calls = append(b.calls, "getFile")
			writeJSON(w, map[string]string{
				"id":              "file-1",
				"uploadState":     b.fileState(),
				"azureStorageUri": b.storageURI,
			})
		case r.Method == http.MethodPatch:
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), "committedContentVersion") {
				b.calls = append(b.calls, "setCommittedVersion")
			} else {
				b.rulesBody = string(body)
				b.calls = append(b.calls, "setDetectionRules")
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}
}

func (b *uploadBackend) fileState() string {
	if b.committed {
		if b.commitPolls > 0 {
			b.commitPolls--
			return graph.UploadStateCommitPending
		}
		return graph.UploadStateCommitSuccess
	}
	if b.uriFailed {
		return graph.UploadStateURIFailed
	}
	if b.uriPolls > 0 {
		b.uriPolls--
		return graph.UploadStateURIPending
	}
	return graph.UploadStateURISuccess
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newUploaderTest(t *testing.T, chunkSize int64) (*ContentUploader, *uploadBackend) {
	t.Helper()
	backend := &uploadBackend{}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	backend.storageURI = srv.URL + "/blobstore/bundle?sv=2023"

	client := graph.NewClient(&graph.Config{BaseURL: srv.URL, Timeout: 5 * time.Second},
		&graph.StaticTokenProvider{Shared: "test-token"})
	blob := graph.NewBlobClient(5 * time.Second)
	log := logger.New(&logger.Config{Level: "error", Format: "text"})
	return NewContentUploader(client, blob, UploaderConfig{
		ChunkSizeBytes:      chunkSize,
		URIPollAttempts:     5,
		URIPollInterval:     time.Millisecond,
		ProcessPollAttempts: 5,
		ProcessPollInterval: time.Millisecond,
	}, log), backend
}

func writeBundle(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.intunewin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func uploadableJob() *domain.PackagingJob {
	return &domain.PackagingJob{
		ID:          "job-1",
		TenantID:    "tenant-1",
		WingetID:    "Mozilla.Firefox",
		Version:     "133.0",
		DisplayName: "Firefox",
		Encryption: &domain.EncryptionInfo{
			EncryptionKey: "a2V5", MacKey: "bWFj", InitializationVector: "aXY=",
			Mac: "ZGlnZXN0", ProfileIdentifier: "ProfileVersion1",
			FileDigest: "ZGlnZXN0", FileDigestAlgorithm: "SHA256",
		},
	}
}

func TestUploadSequence(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)
	backend.uriPolls = 2
	backend.commitPolls = 1
	// 3.5 chunks of payload makes four blocks, the last one short.
	bundle := writeBundle(t, 3*1024+512)

	var progress []int
	appID, err := uploader.Upload(context.Background(), uploadableJob(), bundle, func(p int) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if appID != "app-1" {
		t.Errorf("app ID = %q, want app-1", appID)
	}

	want := []string{
		"createApp", "createVersion", "createFile",
		"getFile", "getFile", "getFile", // two pending polls, then the URI
		"putBlock", "putBlock", "putBlock", "putBlock",
		"commitBlockList", "commitFile",
		"getFile", "getFile", // one pending poll, then success
		"setCommittedVersion", "setDetectionRules",
	}
	if len(backend.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", backend.calls, want)
	}
	for i := range want {
		if backend.calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (full: %v)", i, backend.calls[i], want[i], backend.calls)
		}
	}

	// Block IDs are fixed-width and committed in upload order.
	for i, got := range backend.blockIDs {
		if got != graph.BlockID(i) {
			t.Errorf("block %d ID = %q, want %q", i, got, graph.BlockID(i))
		}
	}
	if !strings.Contains(backend.blockListBody, graph.BlockID(3)) {
		t.Errorf("block list body missing final block: %s", backend.blockListBody)
	}
	if !strings.Contains(backend.commitBody, `"encryptionKey":"a2V5"`) {
		t.Errorf("commit body missing encryption descriptor: %s", backend.commitBody)
	}

	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress regressed: %v", progress)
		}
	}
	if progress[0] != 3 || progress[len(progress)-1] != 100 {
		t.Errorf("progress endpoints = %d..%d, want 3..100", progress[0], progress[len(progress)-1])
	}
}

func TestUploadRequiresEncryption(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)
	job := uploadableJob()
	job.Encryption = nil

	_, err := uploader.Upload(context.Background(), job, writeBundle(t, 100), nil)
	if err == nil || !strings.Contains(err.Error(), "no encryption descriptor") {
		t.Fatalf("upload without encryption = %v, want descriptor error", err)
	}
	if len(backend.calls) != 0 {
		t.Errorf("no API calls expected before validation, got %v", backend.calls)
	}
}

func TestUploadStorageURIFailure(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)
	backend.uriFailed = true

	_, err := uploader.Upload(context.Background(), uploadableJob(), writeBundle(t, 100), nil)
	if err == nil || !strings.Contains(err.Error(), "storage location request failed") {
		t.Fatalf("upload = %v, want storage location failure", err)
	}
	for _, call := range backend.calls {
		if call == "putBlock" {
			t.Fatal("no blocks should transfer after a storage URI failure")
		}
	}
}

func TestUploadStorageURITimeout(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)
	backend.uriPolls = 100 // never ready within the configured attempts

	_, err := uploader.Upload(context.Background(), uploadableJob(), writeBundle(t, 100), nil)
	if err == nil || !strings.Contains(err.Error(), "timed out waiting for storage location") {
		t.Fatalf("upload = %v, want storage location timeout", err)
	}
}

func TestUploadDefaultDetectionRule(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)

	if _, err := uploader.Upload(context.Background(), uploadableJob(), writeBundle(t, 100), nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(backend.rulesBody, "win32LobAppFileSystemDetection") {
		t.Errorf("rules body = %s, want file-exists fallback", backend.rulesBody)
	}
	if !strings.Contains(backend.rulesBody, "Firefox.exe") {
		t.Errorf("rules body = %s, want display-name fallback file", backend.rulesBody)
	}
}

func TestUploadCarriesJobDetectionRules(t *testing.T) {
	uploader, backend := newUploaderTest(t, 1024)
	job := uploadableJob()
	job.DetectionRules = domain.DetectionRules{
		{Type: domain.DetectionRuleRegistry, KeyPath: `HKLM\Software\Mozilla`},
	}

	if _, err := uploader.Upload(context.Background(), job, writeBundle(t, 100), nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(backend.rulesBody, "win32LobAppRegistryDetection") {
		t.Errorf("rules body = %s, want registry rule", backend.rulesBody)
	}
}
