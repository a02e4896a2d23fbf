package patternstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsert_InsertThenMerge(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID:     "ua:abc",
		SignatureType: "UserAgent",
		Pattern:       "scraper-ua",
		Confidence:    0.8,
		Action:        ActionScoreOnly,
	}))

	sig, err := s.Get("ua:abc")
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, int64(1), sig.Occurrences)
	assert.Equal(t, 0.8, sig.Confidence)

	// Lower confidence must not regress; occurrences increments.
	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID:     "ua:abc",
		SignatureType: "UserAgent",
		Pattern:       "scraper-ua",
		Confidence:    0.5,
		Action:        ActionFull,
	}))
	sig, err = s.Get("ua:abc")
	require.NoError(t, err)
	assert.Equal(t, 0.8, sig.Confidence, "confidence is monotonic")
	assert.Equal(t, int64(2), sig.Occurrences)
	assert.Equal(t, ActionFull, sig.Action, "action refreshes")

	// Higher confidence does move it.
	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID:     "ua:abc",
		SignatureType: "UserAgent",
		Pattern:       "scraper-ua",
		Confidence:    0.93,
		Action:        ActionFull,
	}))
	sig, err = s.Get("ua:abc")
	require.NoError(t, err)
	assert.Equal(t, 0.93, sig.Confidence)
	assert.Equal(t, int64(3), sig.Occurrences)
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	sig, err := s.Get("ua:none")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestGetByConfidence_Ordering(t *testing.T) {
	s := newTestStore(t)

	seed := []LearnedSignature{
		{PatternID: "a", SignatureType: "UserAgent", Pattern: "a", Confidence: 0.7},
		{PatternID: "b", SignatureType: "UserAgent", Pattern: "b", Confidence: 0.95},
		{PatternID: "c", SignatureType: "IP", Pattern: "c", Confidence: 0.95},
		{PatternID: "d", SignatureType: "UserAgent", Pattern: "d", Confidence: 0.4},
	}
	for _, sig := range seed {
		require.NoError(t, s.Upsert(sig))
	}
	// Bump c's occurrences above b's.
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "c", SignatureType: "IP", Pattern: "c", Confidence: 0.95}))

	got, err := s.GetByConfidence(0.6)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].PatternID, "ties break on occurrences desc")
	assert.Equal(t, "b", got[1].PatternID)
	assert.Equal(t, "a", got[2].PatternID)
}

func TestGetByType(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "x", SignatureType: "IP", Pattern: "1.1.1.1"}))
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "y", SignatureType: "UserAgent", Pattern: "y"}))

	ips, err := s.GetByType("IP")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "x", ips[0].PatternID)
}

func TestPendingFeedbackFlow(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Upsert(LearnedSignature{PatternID: "ua:fb", SignatureType: "UserAgent", Pattern: "fb", Confidence: 0.9}))
	}
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "ua:rare", SignatureType: "UserAgent", Pattern: "rare"}))

	pending, err := s.GetPendingFeedback(3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ua:fb", pending[0].PatternID)

	require.NoError(t, s.MarkFedBack("ua:fb"))
	pending, err = s.GetPendingFeedback(3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCleanupOld(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID: "ua:old-rare", SignatureType: "UserAgent", Pattern: "o",
		FirstSeen: old, LastSeen: old,
	}))
	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID: "ua:old-common", SignatureType: "UserAgent", Pattern: "oc",
		FirstSeen: old, LastSeen: old, Occurrences: 50,
	}))
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "ua:fresh", SignatureType: "UserAgent", Pattern: "f"}))

	removed, err := s.CleanupOld(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed, "only old rows below the occurrence floor go")

	sig, err := s.Get("ua:old-common")
	require.NoError(t, err)
	assert.NotNil(t, sig, "frequently seen rows survive cleanup")
}

func TestDeleteAndStats(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "a", SignatureType: "UserAgent", Pattern: "a", Action: ActionFull}))
	require.NoError(t, s.Upsert(LearnedSignature{PatternID: "b", SignatureType: "IP", Pattern: "b", Action: ActionLogOnly}))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByType["IP"])
	assert.Equal(t, int64(1), stats.ByAction["Full"])

	require.NoError(t, s.Delete("a"))
	stats, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(LearnedSignature{
		PatternID:     "ua:meta",
		SignatureType: "UserAgent",
		Pattern:       "m",
		BotType:       "AiBot",
		BotName:       "GPTBot",
		Metadata:      map[string]string{"path": "/llms.txt"},
	}))
	sig, err := s.Get("ua:meta")
	require.NoError(t, err)
	assert.Equal(t, "GPTBot", sig.BotName)
	assert.Equal(t, "/llms.txt", sig.Metadata["path"])
}
