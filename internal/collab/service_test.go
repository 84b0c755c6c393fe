package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ekzhang/rushlight/internal/checkpoint"
	"github.com/ekzhang/rushlight/internal/compaction"
	"github.com/ekzhang/rushlight/internal/ot"
	"github.com/ekzhang/rushlight/internal/presence"
	"github.com/ekzhang/rushlight/internal/updatelog"
)

type serviceFixture struct {
	service     *Service
	log         *updatelog.Log
	checkpoints *checkpoint.Store
	dirty       *compaction.Queue
	db          *gorm.DB
	now         *time.Time
}

func mustService(testContext *testing.T) *serviceFixture {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+testContext.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&updatelog.Record{}, &updatelog.Head{}, &checkpoint.Record{}, &compaction.Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	log, err := updatelog.NewLog(updatelog.Config{Database: database})
	if err != nil {
		testContext.Fatalf("failed to construct log: %v", err)
	}
	checkpoints, err := checkpoint.NewStore(checkpoint.Config{Database: database})
	if err != nil {
		testContext.Fatalf("failed to construct checkpoint store: %v", err)
	}
	dirty, err := compaction.NewQueue(compaction.QueueConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to construct dirty queue: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Log:                log,
		Checkpoints:        checkpoints,
		Dirty:              dirty,
		Applier:            ot.Applier{},
		Presence:           presence.NewRegistry(time.Minute, clock),
		Clock:              clock,
		CompactionInterval: 30 * time.Second,
		BlockingTimeout:    50 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to construct service: %v", err)
	}
	return &serviceFixture{
		service:     service,
		log:         log,
		checkpoints: checkpoints,
		dirty:       dirty,
		db:          database,
		now:         &now,
	}
}

func mustDocID(testContext *testing.T, value string) DocumentID {
	testContext.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func insertUpdate(clientID string, ops ...ot.Op) updatelog.Update {
	changes, _ := ot.Change{Ops: ops}.Encode()
	return updatelog.Update{ClientID: clientID, Changes: changes}
}

func insertText(clientID string, pos int, text string) updatelog.Update {
	return insertUpdate(clientID, ot.Op{Kind: ot.OpInsert, Pos: pos, Text: text})
}

func TestPushThenGetDocument(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-push-get")

	ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{insertText("client-a", 0, "Hi")})
	if err != nil {
		testContext.Fatalf("push failed: %v", err)
	}
	if !ok {
		testContext.Fatalf("expected push at version 0 to succeed")
	}

	document, err := fixture.service.GetDocument(ctx, docID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if document.Version != 1 || document.Doc != "Hi" {
		testContext.Fatalf("unexpected document: %+v", document)
	}
}

func TestPushStaleVersionRejectedThenRetrySucceeds(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-stale-retry")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{insertText("client-a", 0, "Hi")}); err != nil || !ok {
		testContext.Fatalf("first push failed: ok=%v err=%v", ok, err)
	}

	ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{insertText("client-b", 0, "Yo")})
	if err != nil {
		testContext.Fatalf("stale push errored: %v", err)
	}
	if ok {
		testContext.Fatalf("expected stale push to be rejected")
	}

	// Client re-reads version 1 and retries with a rebased edit.
	ok, err = fixture.service.PushUpdates(ctx, docID, 1, []updatelog.Update{insertText("client-b", 2, "Yo")})
	if err != nil || !ok {
		testContext.Fatalf("rebased push failed: ok=%v err=%v", ok, err)
	}

	document, err := fixture.service.GetDocument(ctx, docID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if document.Version != 2 || document.Doc != "HiYo" {
		testContext.Fatalf("unexpected document: %+v", document)
	}
}

func TestPullReturnsPushedUpdates(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-pull")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{insertText("client-a", 0, "Hi")}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	response, err := fixture.service.PullUpdates(ctx, docID, 0)
	if err != nil {
		testContext.Fatalf("pull failed: %v", err)
	}
	if response.Status != StatusOK {
		testContext.Fatalf("expected ok status, got %q", response.Status)
	}
	if len(response.Updates) != 1 || response.Updates[0].ClientID != "client-a" {
		testContext.Fatalf("unexpected updates: %+v", response.Updates)
	}
}

func TestPullReportsDesyncAfterCompactionRace(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-desync")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{
		insertText("client-a", 0, "a"),
		insertText("client-a", 1, "b"),
		insertText("client-a", 2, "c"),
	}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	// Another replica's compaction folded versions 1-2 into the checkpoint
	// and trimmed them; a reader still at version 0 can no longer be served
	// contiguously.
	if err := fixture.checkpoints.Save(ctx, docID.String(), "ab", 2); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}
	if _, err := fixture.log.Trim(ctx, docID.String(), 2); err != nil {
		testContext.Fatalf("trim failed: %v", err)
	}

	response, err := fixture.service.PullUpdates(ctx, docID, 0)
	if err != nil {
		testContext.Fatalf("pull errored: %v", err)
	}
	if response.Status != StatusDesync {
		testContext.Fatalf("expected desync status, got %q", response.Status)
	}

	// A full reload recovers: the document reconstructs from checkpoint+log.
	document, err := fixture.service.GetDocument(ctx, docID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if document.Version != 3 || document.Doc != "abc" {
		testContext.Fatalf("unexpected document after reload: %+v", document)
	}
}

func TestReconstructionFailsHardOnContiguityBreak(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-invariant")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{
		insertText("client-a", 0, "a"),
		insertText("client-a", 1, "b"),
		insertText("client-a", 2, "c"),
	}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	// Records 1-2 vanish without a covering checkpoint: data loss, not a
	// routine race.
	if _, err := fixture.log.Trim(ctx, docID.String(), 2); err != nil {
		testContext.Fatalf("trim failed: %v", err)
	}

	_, err := fixture.service.GetDocument(ctx, docID)
	if !errors.Is(err, ErrDesynchronized) {
		testContext.Fatalf("expected desynchronized invariant error, got %v", err)
	}
}

func TestCompactDocumentFoldsAndTrims(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-compact")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{
		insertText("client-a", 0, "Hello"),
		insertText("client-a", 5, " world"),
	}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	// First pass saves the checkpoint but trims only records covered by the
	// pre-compaction checkpoint version; the log is not yet empty.
	emptied, err := fixture.service.CompactDocument(ctx, docID.String())
	if err != nil {
		testContext.Fatalf("compaction failed: %v", err)
	}
	if emptied {
		testContext.Fatalf("expected first pass to leave records pending")
	}

	snapshot, err := fixture.checkpoints.Load(ctx, docID.String())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if snapshot.Version != 2 || snapshot.Content != "Hello world" {
		testContext.Fatalf("unexpected checkpoint: %+v", snapshot)
	}

	emptied, err = fixture.service.CompactDocument(ctx, docID.String())
	if err != nil {
		testContext.Fatalf("second compaction failed: %v", err)
	}
	if !emptied {
		testContext.Fatalf("expected second pass to empty the log")
	}

	// The document now reconstructs entirely from the checkpoint.
	document, err := fixture.service.GetDocument(ctx, docID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if document.Version != 2 || document.Doc != "Hello world" {
		testContext.Fatalf("unexpected document after compaction: %+v", document)
	}
}

func TestPushSchedulesCompactionSetIfAbsent(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-dirty")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{insertText("client-a", 0, "x")}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}
	firstDue := fixture.now.Add(30 * time.Second)

	// A later push must not reset the existing schedule.
	*fixture.now = fixture.now.Add(10 * time.Second)
	if ok, err := fixture.service.PushUpdates(ctx, docID, 1, []updatelog.Update{insertText("client-a", 1, "y")}); err != nil || !ok {
		testContext.Fatalf("second push failed: ok=%v err=%v", ok, err)
	}

	entry, err := fixture.dirty.Dequeue(ctx)
	if err != nil {
		testContext.Fatalf("dequeue failed: %v", err)
	}
	if entry == nil {
		testContext.Fatalf("expected a dirty entry")
	}
	if entry.DocID != docID.String() {
		testContext.Fatalf("unexpected dirty doc: %q", entry.DocID)
	}
	if entry.DueAt.UnixMilli() != firstDue.UnixMilli() {
		testContext.Fatalf("expected original due time %v, got %v", firstDue, entry.DueAt)
	}
}

func TestGetDocumentSkipsCorruptRecord(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-corrupt")

	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{
		insertText("client-a", 0, "ok"),
		insertUpdate("client-a", ot.Op{Kind: ot.OpDelete, Pos: 50, Len: 10}),
		insertText("client-a", 2, "!"),
	}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	document, err := fixture.service.GetDocument(ctx, docID)
	if err != nil {
		testContext.Fatalf("get document failed: %v", err)
	}
	if document.Version != 3 {
		testContext.Fatalf("expected skipped record to still count toward version, got %d", document.Version)
	}
	if document.Doc != "ok!" {
		testContext.Fatalf("expected corrupt record to be skipped, got %q", document.Doc)
	}
}

func TestPushTracksPresenceEffects(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-presence")

	update := insertText("client-a", 0, "hi")
	update.Effects = []json.RawMessage{
		json.RawMessage(`{"clientID":"client-a","selection":{"anchor":2,"head":2},"focused":true}`),
	}
	if ok, err := fixture.service.PushUpdates(ctx, docID, 0, []updatelog.Update{update}); err != nil || !ok {
		testContext.Fatalf("push failed: ok=%v err=%v", ok, err)
	}

	records := fixture.service.Presences(docID)
	if len(records) != 1 || records[0].ClientID != "client-a" {
		testContext.Fatalf("unexpected presence records: %+v", records)
	}
}

func TestHandleDispatchesAndValidates(testContext *testing.T) {
	fixture := mustService(testContext)
	ctx := context.Background()
	docID := mustDocID(testContext, "svc-handle")

	version := int64(0)
	pushed, err := fixture.service.Handle(ctx, docID, Message{
		Type:    MessagePushUpdates,
		Version: &version,
		Updates: []updatelog.Update{insertText("client-a", 0, "Hi")},
	})
	if err != nil {
		testContext.Fatalf("handle push failed: %v", err)
	}
	if accepted, ok := pushed.(bool); !ok || !accepted {
		testContext.Fatalf("expected push to be accepted, got %#v", pushed)
	}

	response, err := fixture.service.Handle(ctx, docID, Message{Type: MessageGetDocument})
	if err != nil {
		testContext.Fatalf("handle getDocument failed: %v", err)
	}
	document, ok := response.(DocumentResponse)
	if !ok || document.Doc != "Hi" {
		testContext.Fatalf("unexpected getDocument response: %#v", response)
	}

	if _, err := fixture.service.Handle(ctx, docID, Message{Type: "explode"}); !errors.Is(err, ErrInvalidMessage) {
		testContext.Fatalf("expected invalid message error, got %v", err)
	}
	if _, err := fixture.service.Handle(ctx, docID, Message{Type: MessagePushUpdates, Version: &version}); !errors.Is(err, ErrInvalidMessage) {
		testContext.Fatalf("expected push without updates to be rejected, got %v", err)
	}
}
