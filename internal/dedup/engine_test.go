package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/viniciusgn/whatsgate/internal/model"
)

type fakeMessageRepo struct {
	byExternalID map[string]bool // sessionID:externalID
	byHash       map[string]bool // sessionID:leadID:hash
	stored       []storedMsg

	lookupErr error
}

type storedMsg struct {
	leadID    string
	text      string
	fromMe    bool
	timestamp time.Time
}

func newFakeRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		byExternalID: make(map[string]bool),
		byHash:       make(map[string]bool),
	}
}

func (f *fakeMessageRepo) Insert(ctx context.Context, m *model.InboundMessage) error {
	return nil
}

func (f *fakeMessageRepo) ExistsByExternalID(ctx context.Context, sessionID, externalID string) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.byExternalID[sessionID+":"+externalID], nil
}

func (f *fakeMessageRepo) ExistsByContentHash(ctx context.Context, sessionID, leadID, hash string) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.byHash[sessionID+":"+leadID+":"+hash], nil
}

func (f *fakeMessageRepo) ExistsInWindow(ctx context.Context, leadID, text string, fromMe bool, center time.Time, window time.Duration) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	for _, s := range f.stored {
		if s.leadID != leadID || s.text != text || s.fromMe != fromMe {
			continue
		}
		diff := s.timestamp.Sub(center)
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMessageRepo) PatchMedia(ctx context.Context, messageID, mediaURL, text string) error {
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngine_DuplicateByExternalID(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.byExternalID["inst-1:EXT-1"] = true

	eng := NewEngine(repo, discard())

	dup := eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID:  "inst-1",
		ExternalID: "EXT-1",
	})
	if !dup {
		t.Fatalf("expected duplicate by external id")
	}

	// Same external id on another session is not a duplicate.
	dup = eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID:  "inst-2",
		ExternalID: "EXT-1",
	})
	if dup {
		t.Fatalf("external id match must be scoped per session")
	}
}

func TestEngine_DuplicateByContentHash(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hash := ContentHash("oi", ts, false)

	repo := newFakeRepo()
	repo.byHash["inst-1:lead-1:"+hash] = true

	eng := NewEngine(repo, discard())

	dup := eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID:   "inst-1",
		LeadID:      "lead-1",
		Text:        "oi",
		ContentHash: hash,
		Timestamp:   ts,
	})
	if !dup {
		t.Fatalf("expected duplicate by content hash")
	}
}

func TestEngine_FuzzyWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := newFakeRepo()
	repo.stored = append(repo.stored, storedMsg{
		leadID:    "lead-1",
		text:      "bom dia",
		fromMe:    false,
		timestamp: base,
	})

	eng := NewEngine(repo, discard())

	// 10 seconds apart: collapses.
	dup := eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID: "inst-1",
		LeadID:    "lead-1",
		Text:      "bom dia",
		Timestamp: base.Add(10 * time.Second),
	})
	if !dup {
		t.Fatalf("expected duplicate 10s inside the window")
	}

	// 45 seconds apart: two distinct messages.
	dup = eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID: "inst-1",
		LeadID:    "lead-1",
		Text:      "bom dia",
		Timestamp: base.Add(45 * time.Second),
	})
	if dup {
		t.Fatalf("expected no duplicate 45s outside the window")
	}
}

func TestEngine_FailsOpenOnLookupError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.byExternalID["inst-1:EXT-1"] = true
	repo.lookupErr = errors.New("store unreachable")

	eng := NewEngine(repo, discard())

	dup := eng.IsDuplicate(context.Background(), &model.InboundMessage{
		SessionID:  "inst-1",
		ExternalID: "EXT-1",
		Text:       "oi",
		Timestamp:  time.Now(),
	})
	if dup {
		t.Fatalf("engine must fail open when the store is unreachable")
	}
}

func TestContentHash_StableAndHexTruncated(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	h1 := ContentHash("olá", ts, true)
	h2 := ContentHash("olá", ts, true)

	if h1 != h2 {
		t.Fatalf("hash must be deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(h1))
	}
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(h1) {
		t.Fatalf("expected lowercase hex, got %q", h1)
	}

	if ContentHash("olá", ts, false) == h1 {
		t.Fatalf("fromMe must affect the hash")
	}
	if ContentHash("olá", ts.Add(time.Second), true) == h1 {
		t.Fatalf("timestamp must affect the hash")
	}
}
