package ferry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeFetcher struct {
	content string
	err     error
	calls   int
}

func (f *fakeFetcher) FetchResource(ctx context.Context, messageID, resourceID string, kind ResourceKind) (io.ReadCloser, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.content)), nil
}

type fakeSender struct {
	messages []string
	err      error
}

func (s *fakeSender) SendText(ctx context.Context, chatID, text string) error {
	s.messages = append(s.messages, text)
	return s.err
}

func newTestPipeline(t *testing.T, fetcher ResourceFetcher, sender TextSender) (*Pipeline, *Store) {
	t.Helper()
	dir := t.TempDir()
	store := newTestStore(t, StoreOptions{BlobDir: filepath.Join(dir, "blobs")})
	pipeline, err := NewPipeline(PipelineOptions{
		Dedup:      NewDedupCache(0, 0),
		Fetcher:    fetcher,
		Sender:     sender,
		Store:      store,
		StagingDir: filepath.Join(dir, "staging"),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pipeline, store
}

func testEvent(id string) InboundFileEvent {
	return InboundFileEvent{
		EventID:    id,
		ChatID:     "chat_1",
		MessageID:  "msg_1",
		ResourceID: "res_1",
		FileName:   "invoice.pdf",
		Kind:       KindDocument,
	}
}

func TestHandleEventStoresBlobAndReplies(t *testing.T) {
	fetcher := &fakeFetcher{content: "pdf-bytes"}
	sender := &fakeSender{}
	pipeline, store := newTestPipeline(t, fetcher, sender)

	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].FileName != "invoice.pdf" {
		t.Fatalf("expected one pending invoice.pdf, got %+v", pending)
	}
	path, err := store.BlobPath(pending[0].FileKey)
	if err != nil {
		t.Fatalf("blob path: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("blob content mismatch: %q", data)
	}
	if len(sender.messages) != 2 {
		t.Fatalf("expected ack and outcome replies, got %v", sender.messages)
	}
}

func TestHandleEventDropsDuplicates(t *testing.T) {
	fetcher := &fakeFetcher{content: "x"}
	pipeline, store := newTestPipeline(t, fetcher, &fakeSender{})

	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_dup")); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_dup")); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("duplicate must not refetch, got %d fetches", fetcher.calls)
	}
	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected a single record, got %d", len(pending))
	}
}

func TestHandleEventExpiredResourceGetsDistinctReply(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("media res_1: %w", ErrResourceExpired)}
	sender := &fakeSender{}
	pipeline, store := newTestPipeline(t, fetcher, sender)

	err := pipeline.HandleEvent(context.Background(), testEvent("evt_exp"))
	if !errors.Is(err, ErrResourceExpired) {
		t.Fatalf("expected ErrResourceExpired, got %v", err)
	}
	pending, perr := store.GetPending()
	if perr != nil {
		t.Fatalf("get pending: %v", perr)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no record for expired resource, got %+v", pending)
	}
	if len(sender.messages) != 2 || !strings.Contains(sender.messages[1], "expired") {
		t.Fatalf("expected expiry-specific reply, got %v", sender.messages)
	}
}

func TestHandleEventFetchFailureLeavesNoRecordOrStagedBlob(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection reset")}
	sender := &fakeSender{}
	dir := t.TempDir()
	store := newTestStore(t, StoreOptions{BlobDir: filepath.Join(dir, "blobs")})
	stagingDir := filepath.Join(dir, "staging")
	pipeline, err := NewPipeline(PipelineOptions{
		Fetcher:    fetcher,
		Sender:     sender,
		Store:      store,
		StagingDir: stagingDir,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_fail")); err == nil {
		t.Fatalf("expected fetch error")
	}
	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no record after fetch failure, got %+v", pending)
	}
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, got %d entries", len(entries))
	}
}

func TestHandleEventRejectsIncompleteEvents(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &fakeFetcher{content: "x"}, &fakeSender{})

	ev := testEvent("evt_bad")
	ev.ResourceID = ""
	if err := pipeline.HandleEvent(context.Background(), ev); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestHandleEventNamelessImageGetsKindExtension(t *testing.T) {
	fetcher := &fakeFetcher{content: "jpeg-bytes"}
	pipeline, store := newTestPipeline(t, fetcher, &fakeSender{})

	ev := testEvent("evt_noname")
	ev.FileName = ""
	ev.Kind = KindImage
	if err := pipeline.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one record, got %+v", pending)
	}
	if want := pending[0].FileKey + ".jpg"; pending[0].FileName != want {
		t.Fatalf("expected default name %q, got %q", want, pending[0].FileName)
	}
}

func TestHandleEventRedeliveredAfterWindowIsProcessedAgain(t *testing.T) {
	fetcher := &fakeFetcher{content: "x"}
	dir := t.TempDir()
	store := newTestStore(t, StoreOptions{BlobDir: filepath.Join(dir, "blobs")})
	pipeline, err := NewPipeline(PipelineOptions{
		Dedup:      NewDedupCache(20*time.Millisecond, 0),
		Fetcher:    fetcher,
		Sender:     &fakeSender{},
		Store:      store,
		StagingDir: filepath.Join(dir, "staging"),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_window")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_window")); err != nil {
		t.Fatalf("immediate redelivery: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("redelivery inside the window must be dropped, got %d fetches", fetcher.calls)
	}

	time.Sleep(60 * time.Millisecond)
	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_window")); err != nil {
		t.Fatalf("redelivery after window: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("redelivery after the window must refetch, got %d fetches", fetcher.calls)
	}
	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected two records after window expiry, got %d", len(pending))
	}
}

func TestHandleEventSenderFailureDoesNotBlockIngestion(t *testing.T) {
	fetcher := &fakeFetcher{content: "x"}
	sender := &fakeSender{err: errors.New("chat unavailable")}
	pipeline, store := newTestPipeline(t, fetcher, sender)

	if err := pipeline.HandleEvent(context.Background(), testEvent("evt_quiet")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	pending, err := store.GetPending()
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected record despite reply failure, got %+v", pending)
	}
}
