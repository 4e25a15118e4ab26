package scheduler

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	hanzohttp "github.com/tanq16/hanzo/downloaders/http"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/utils"
)

type requestRecord struct {
	Method string
	Range  string
}

// bundleServer serves one blob with real range semantics and records every
// request it sees, so tests can assert exactly how much traffic a task
// generated.
type bundleServer struct {
	*httptest.Server
	mu      sync.Mutex
	content []byte
	reqs    []requestRecord
	// failures holds status codes to return before serving normally, one
	// per GET request.
	failures []int
	// rejectRanges makes every ranged request fail with 416, like a server
	// whose object was replaced since the partial was written.
	rejectRanges bool
}

func newBundleServer(t *testing.T, content []byte) *bundleServer {
	t.Helper()
	bs := &bundleServer{content: content}
	bs.Server = httptest.NewServer(http.HandlerFunc(bs.handle))
	t.Cleanup(bs.Close)
	return bs
}

func (bs *bundleServer) handle(w http.ResponseWriter, r *http.Request) {
	bs.mu.Lock()
	bs.reqs = append(bs.reqs, requestRecord{Method: r.Method, Range: r.Header.Get("Range")})
	content := bs.content
	var fail int
	if r.Method == http.MethodGet && len(bs.failures) > 0 {
		fail, bs.failures = bs.failures[0], bs.failures[1:]
	}
	bs.mu.Unlock()

	if fail != 0 {
		w.WriteHeader(fail)
		return
	}
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Header().Set("Accept-Ranges", "bytes")
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		off, ok := parseRangeStart(rng)
		if !ok {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if bs.rejectRanges || off >= len(content) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(content)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[off:])
		return
	}
	w.Write(content)
}

func parseRangeStart(rng string) (int, bool) {
	rest, ok := strings.CutPrefix(rng, "bytes=")
	if !ok || !strings.HasSuffix(rest, "-") {
		return 0, false
	}
	off, err := strconv.Atoi(strings.TrimSuffix(rest, "-"))
	if err != nil || off < 0 {
		return 0, false
	}
	return off, true
}

func (bs *bundleServer) requests() []requestRecord {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]requestRecord(nil), bs.reqs...)
}

func (bs *bundleServer) setFailures(codes ...int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.failures = codes
}

func digestOf(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testHTTPFetcher() utils.Fetcher {
	cfg := utils.HTTPClientConfig{Timeout: 5 * time.Second}
	return hanzohttp.NewFetcher(utils.CreateHTTPClient(cfg), cfg)
}

func runTask(t *testing.T, ctx context.Context, s *store.Store, entry manifest.Entry, maxAttempts int) (FileResult, []update) {
	t.Helper()
	updates := make(chan update, 4096)
	tk := &task{
		entry:       entry,
		store:       s,
		fetcher:     testHTTPFetcher(),
		maxAttempts: maxAttempts,
		retryDelay:  time.Millisecond,
		updates:     updates,
		log:         zerolog.Nop(),
	}
	result := tk.run(ctx)
	close(updates)
	var got []update
	for u := range updates {
		got = append(got, u)
	}
	return result, got
}

// statusTrail collapses consecutive duplicates so assertions read like the
// lifecycle itself.
func statusTrail(ups []update) []Status {
	var out []Status
	for _, u := range ups {
		if len(out) == 0 || out[len(out)-1] != u.status {
			out = append(out, u.status)
		}
	}
	return out
}

func wantTrail(t *testing.T, ups []update, want ...Status) {
	t.Helper()
	got := statusTrail(ups)
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("status trail %v missing %v", got, want[i:])
	}
}

func readFinal(t *testing.T, s *store.Store, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(s.FinalPath(name))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestTaskFreshDownload(t *testing.T) {
	content := []byte(strings.Repeat("shard", 200))
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "model-00001.safetensors", URL: bs.URL + "/model-00001.safetensors", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassParameter}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if got := readFinal(t, s, entry.Name); string(got) != string(content) {
		t.Fatalf("final content mismatch: %d bytes", len(got))
	}
	if result.Fetched != int64(len(content)) || result.Reused != 0 {
		t.Fatalf("fetched %d reused %d, want %d and 0", result.Fetched, result.Reused, len(content))
	}
	wantTrail(t, ups, StatusNotStarted, StatusChecking, StatusDownloading, StatusVerifying, StatusVerified)

	reqs := bs.requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodGet || reqs[0].Range != "" {
		t.Fatalf("requests = %+v, want a single un-ranged GET", reqs)
	}
}

func TestTaskExistingFileSkipsNetwork(t *testing.T) {
	content := []byte("tokenizer config body")
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "tokenizer.json", URL: bs.URL + "/tokenizer.json", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassEssential}
	if err := os.WriteFile(s.FinalPath(entry.Name), content, 0o644); err != nil {
		t.Fatal(err)
	}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v, want verified", result.Status)
	}
	if result.Reused != int64(len(content)) || result.Fetched != 0 {
		t.Fatalf("reused %d fetched %d, want %d and 0", result.Reused, result.Fetched, len(content))
	}
	if result.Unverified {
		t.Fatal("digest was present, result should not be flagged unverified")
	}
	wantTrail(t, ups, StatusNotStarted, StatusChecking, StatusVerified)
	if reqs := bs.requests(); len(reqs) != 0 {
		t.Fatalf("expected zero requests for an already-verified file, got %+v", reqs)
	}
}

func TestTaskCorruptExistingRedownloads(t *testing.T) {
	content := []byte(strings.Repeat("weights", 100))
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "model.gguf", URL: bs.URL + "/model.gguf", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassParameter}
	corrupt := append([]byte("x"), content[1:]...)
	if err := os.WriteFile(s.FinalPath(entry.Name), corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if got := readFinal(t, s, entry.Name); string(got) != string(content) {
		t.Fatal("corrupt file was not replaced with correct content")
	}
	wantTrail(t, ups, StatusChecking, StatusCorrupt, StatusDownloading, StatusVerified)
	reqs := bs.requests()
	if len(reqs) != 1 || reqs[0].Range != "" {
		t.Fatalf("requests = %+v, want one full GET", reqs)
	}
}

func TestTaskResumesFromPartial(t *testing.T) {
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "shard.bin", URL: bs.URL + "/shard.bin", Size: 1000, Digest: digestOf(content), Class: manifest.ClassParameter}
	if err := os.WriteFile(s.PartialPath(entry.Name), content[:400], 0o644); err != nil {
		t.Fatal(err)
	}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if result.Reused != 400 || result.Fetched != 600 {
		t.Fatalf("reused %d fetched %d, want 400 and 600", result.Reused, result.Fetched)
	}
	if got := readFinal(t, s, entry.Name); string(got) != string(content) {
		t.Fatal("resumed file does not match the original content")
	}
	wantTrail(t, ups, StatusChecking, StatusResuming, StatusVerifying, StatusVerified)
	reqs := bs.requests()
	if len(reqs) != 1 || reqs[0].Range != "bytes=400-" {
		t.Fatalf("requests = %+v, want one GET with Range bytes=400-", reqs)
	}
}

func TestTask416DiscardsAndRestartsWithinAttempt(t *testing.T) {
	content := []byte(strings.Repeat("object", 100))
	bs := newBundleServer(t, content)
	bs.rejectRanges = true
	s := testStore(t)
	entry := manifest.Entry{Name: "shard.bin", URL: bs.URL + "/shard.bin", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassParameter}
	if err := os.WriteFile(s.PartialPath(entry.Name), content[:400], 0o644); err != nil {
		t.Fatal(err)
	}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want the restart to happen inside attempt 1", result.Attempts)
	}
	if got := readFinal(t, s, entry.Name); string(got) != string(content) {
		t.Fatal("restarted download does not match content")
	}
	if result.Reused != 0 {
		t.Fatalf("reused = %d, want 0 once the rejected partial is discarded", result.Reused)
	}
	wantTrail(t, ups, StatusChecking, StatusResuming, StatusDownloading, StatusVerified)
	reqs := bs.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %+v, want the ranged attempt and the restart", reqs)
	}
	if reqs[0].Range != "bytes=400-" || reqs[1].Range != "" {
		t.Fatalf("requests = %+v, want Range bytes=400- then a full GET", reqs)
	}
}

func TestTaskOversizedPartialDiscardedLocally(t *testing.T) {
	content := []byte(strings.Repeat("object", 80))
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "shard.bin", URL: bs.URL + "/shard.bin", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassParameter}
	// A partial longer than the expected size cannot be a prefix of the
	// file; it should be thrown away before any request goes out.
	junk := make([]byte, len(content)+100)
	if err := os.WriteFile(s.PartialPath(entry.Name), junk, 0o644); err != nil {
		t.Fatal(err)
	}

	result, _ := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if result.Reused != 0 || result.Fetched != int64(len(content)) {
		t.Fatalf("reused %d fetched %d, want 0 and %d", result.Reused, result.Fetched, len(content))
	}
	reqs := bs.requests()
	if len(reqs) != 1 || reqs[0].Range != "" {
		t.Fatalf("requests = %+v, want one un-ranged GET", reqs)
	}
}

func TestTaskRetriesTransientServerError(t *testing.T) {
	content := []byte(strings.Repeat("retry", 64))
	bs := newBundleServer(t, content)
	bs.setFailures(http.StatusInternalServerError)
	s := testStore(t)
	entry := manifest.Entry{Name: "config.json", URL: bs.URL + "/config.json", Size: int64(len(content)), Digest: digestOf(content), Class: manifest.ClassEssential}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified after retry", result.Status, result.Err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", result.Attempts)
	}
	wantTrail(t, ups, StatusDownloading, StatusRetrying, StatusDownloading, StatusVerified)
}

func TestTaskClientErrorFailsWithoutRetry(t *testing.T) {
	bs := newBundleServer(t, []byte("nope"))
	bs.setFailures(http.StatusNotFound, http.StatusNotFound, http.StatusNotFound)
	s := testStore(t)
	entry := manifest.Entry{Name: "missing.json", URL: bs.URL + "/missing.json", Size: 4, Digest: "", Class: manifest.ClassEssential}

	result, _ := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable error", result.Attempts)
	}
	if len(bs.requests()) != 1 {
		t.Fatalf("got %d requests, want 1", len(bs.requests()))
	}
}

func TestTaskExhaustsAttempts(t *testing.T) {
	bs := newBundleServer(t, []byte("flaky"))
	bs.setFailures(http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)
	s := testStore(t)
	entry := manifest.Entry{Name: "flaky.bin", URL: bs.URL + "/flaky.bin", Size: 5, Digest: "", Class: manifest.ClassParameter}

	result, _ := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
	if result.Err == nil {
		t.Fatal("failed result should carry the last error")
	}
}

func TestTaskWrongBodyDigestRetriesThenFails(t *testing.T) {
	content := []byte(strings.Repeat("drift", 50))
	bs := newBundleServer(t, content)
	s := testStore(t)
	entry := manifest.Entry{Name: "drift.bin", URL: bs.URL + "/drift.bin", Size: int64(len(content)), Digest: strings.Repeat("ab", 32), Class: manifest.ClassParameter}

	result, ups := runTask(t, context.Background(), s, entry, 2)

	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 full attempts for a digest mismatch", result.Attempts)
	}
	if _, err := os.Stat(s.FinalPath(entry.Name)); !os.IsNotExist(err) {
		t.Fatal("a file that fails its digest check must not be left at the final path")
	}
	wantTrail(t, ups, StatusVerifying, StatusCorrupt, StatusRetrying, StatusVerifying, StatusCorrupt, StatusFailed)
	if len(bs.requests()) != 2 {
		t.Fatalf("got %d requests, want one full GET per attempt", len(bs.requests()))
	}
}

func TestTaskZeroByteFile(t *testing.T) {
	bs := newBundleServer(t, nil)
	s := testStore(t)
	entry := manifest.Entry{Name: "empty.json", URL: bs.URL + "/empty.json", Size: 0, Digest: digestOf(nil), Class: manifest.ClassEssential}

	result, ups := runTask(t, context.Background(), s, entry, 3)

	if result.Status != StatusVerified {
		t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
	}
	if data := readFinal(t, s, entry.Name); len(data) != 0 {
		t.Fatalf("final file has %d bytes, want 0", len(data))
	}
	if reqs := bs.requests(); len(reqs) != 0 {
		t.Fatalf("zero-byte files need no network traffic, got %+v", reqs)
	}
	wantTrail(t, ups, StatusChecking, StatusVerifying, StatusVerified)
}

func TestTaskUnknownSizeProbes(t *testing.T) {
	content := []byte(strings.Repeat("nosize", 77))
	bs := newBundleServer(t, content)
	s := testStore(t)

	t.Run("with digest", func(t *testing.T) {
		entry := manifest.Entry{Name: "a/nosize.bin", URL: bs.URL + "/nosize.bin", Size: manifest.SizeUnknown, Digest: digestOf(content), Class: manifest.ClassParameter}
		result, _ := runTask(t, context.Background(), s, entry, 3)
		if result.Status != StatusVerified {
			t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
		}
		if result.Unverified {
			t.Fatal("digest was checked, result must not be flagged unverified")
		}
		reqs := bs.requests()
		if len(reqs) != 2 || reqs[0].Method != http.MethodHead || reqs[1].Method != http.MethodGet {
			t.Fatalf("requests = %+v, want HEAD probe then GET", reqs)
		}
	})

	t.Run("without digest", func(t *testing.T) {
		entry := manifest.Entry{Name: "b/nosize.bin", URL: bs.URL + "/nosize.bin", Size: manifest.SizeUnknown, Digest: "", Class: manifest.ClassParameter}
		result, _ := runTask(t, context.Background(), s, entry, 3)
		if result.Status != StatusVerified {
			t.Fatalf("status = %v (err %v), want verified", result.Status, result.Err)
		}
		if !result.Unverified {
			t.Fatal("no size and no digest means the result is only as good as EOF, expected the unverified flag")
		}
	})
}

func TestTaskShortBodyDiscardsPoisonedPartial(t *testing.T) {
	content := []byte(strings.Repeat("short", 60))
	bs := newBundleServer(t, content)
	s := testStore(t)
	// Manifest says the file is longer than the server will ever send.
	entry := manifest.Entry{Name: "short.bin", URL: bs.URL + "/short.bin", Size: int64(len(content)) + 50, Digest: "", Class: manifest.ClassParameter}

	result, ups := runTask(t, context.Background(), s, entry, 2)

	if result.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	wantTrail(t, ups, StatusDownloading, StatusCorrupt, StatusRetrying, StatusDownloading, StatusCorrupt, StatusFailed)
	if _, err := os.Stat(s.PartialPath(entry.Name)); !os.IsNotExist(err) {
		t.Fatal("undersized body must not leave a poisoned partial behind")
	}
	// Each attempt starts from zero because the poisoned partial is gone.
	for _, r := range bs.requests() {
		if r.Range != "" {
			t.Fatalf("unexpected ranged request %+v after a discarded partial", r)
		}
	}
}

func TestTaskCancellationKeepsPartial(t *testing.T) {
	content := make([]byte, 3*1024*1024)
	for i := range content {
		content[i] = byte(i)
	}
	sent := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		off := 0
		if rng := r.Header.Get("Range"); rng != "" {
			off, _ = parseRangeStart(rng)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(content[off : off+1024*1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		once.Do(func() { close(sent) })
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	s := testStore(t)
	entry := manifest.Entry{Name: "big.bin", URL: srv.URL + "/big.bin", Size: int64(len(content)), Digest: "", Class: manifest.ClassParameter}
	// Seed the partial so "the partial survives cancellation" is checkable
	// without racing on how many fresh bytes landed first.
	if err := os.WriteFile(s.PartialPath(entry.Name), content[:100], 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sent
		cancel()
	}()
	result, _ := runTask(t, ctx, s, entry, 3)

	if result.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", result.Status)
	}
	if _, err := os.Stat(s.FinalPath(entry.Name)); !os.IsNotExist(err) {
		t.Fatal("cancelled download must not produce a final file")
	}
	info, err := os.Stat(s.PartialPath(entry.Name))
	if err != nil {
		t.Fatalf("cancelled download should keep its partial: %v", err)
	}
	if info.Size() < 100 {
		t.Fatalf("partial shrank to %d bytes, cancellation must not destroy progress", info.Size())
	}
}

func TestSleepBackoffHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepBackoff(ctx, time.Hour, 1) {
		t.Fatal("backoff should report false on a cancelled context")
	}
}
