package auditchain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldmesh/edgecore/pkg/storage"
	"github.com/fieldmesh/edgecore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestChain(t *testing.T) (*Chain, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "edgecore-auditchain-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	bolt, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	lockPath := filepath.Join(dir, "AUDIT.LOCK")
	chain, err := Open(bolt.DB(), "edge-1", "2026-07-30", lockPath)
	require.NoError(t, err)
	return chain, lockPath
}

func TestAppendChainsToTip(t *testing.T) {
	chain, _ := newTestChain(t)

	first, err := chain.Append(types.AuditCategorySecurity, "shift_open", "cashier jdoe")
	require.NoError(t, err)
	second, err := chain.Append(types.AuditCategoryOrder, "void", "order o1")
	require.NoError(t, err)

	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
}

func TestAppendWritesLockFile(t *testing.T) {
	chain, lockPath := newTestChain(t)
	_, err := chain.Append(types.AuditCategorySystem, "startup", "")
	require.NoError(t, err)

	_, err = os.Stat(lockPath)
	assert.NoError(t, err, "append must refresh the lock sentinel")
}

func TestCountReflectsAppends(t *testing.T) {
	chain, _ := newTestChain(t)
	for i := 0; i < 3; i++ {
		_, err := chain.Append(types.AuditCategoryCatalog, "edit", "sku update")
		require.NoError(t, err)
	}
	count, err := chain.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestVerifyRangeAcceptsIntactChain(t *testing.T) {
	chain, _ := newTestChain(t)
	for i := 0; i < 5; i++ {
		_, err := chain.Append(types.AuditCategorySecurity, "action", "detail")
		require.NoError(t, err)
	}

	ok, brokenAtID, _, _, err := chain.VerifyRange(1, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, brokenAtID)
}

func TestVerifyRangeDetectsTamperedEntry(t *testing.T) {
	chain, _ := newTestChain(t)
	for i := 0; i < 3; i++ {
		_, err := chain.Append(types.AuditCategorySecurity, "action", "detail")
		require.NoError(t, err)
	}

	require.NoError(t, chain.db.Update(func(tx *bolt.Tx) error {
		auditBucket := tx.Bucket(bucketAudit)
		raw := auditBucket.Get(encodeID(2))
		require.NotEmpty(t, raw)

		var entry types.AuditEntry
		require.NoError(t, json.Unmarshal(raw, &entry))
		entry.Detail = "tampered after the fact"

		data, err := json.Marshal(entry)
		require.NoError(t, err)
		return auditBucket.Put(encodeID(2), data)
	}))

	ok, brokenAtID, _, _, err := chain.VerifyRange(1, 3)
	require.NoError(t, err)
	assert.False(t, ok, "a rewritten entry must break hash verification")
	assert.Equal(t, uint64(2), brokenAtID)
}

func TestVerifyStartupMissingLockFileIsAnomaly(t *testing.T) {
	chain, _ := newTestChain(t)
	anomaly, err := chain.VerifyStartup()
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "lock_file_missing", anomaly.Reason)
}

func TestVerifyStartupFreshLockFileIsClean(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(types.AuditCategorySystem, "startup", "")
	require.NoError(t, err)

	anomaly, err := chain.VerifyStartup()
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}

func TestVerifyStartupStaleLockFileIsAnomaly(t *testing.T) {
	chain, lockPath := newTestChain(t)
	_, err := chain.Append(types.AuditCategorySystem, "startup", "")
	require.NoError(t, err)

	stale := time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"last_seen_at":"`+stale+`","last_entry_hash":null}`), 0o600))

	anomaly, err := chain.VerifyStartup()
	require.NoError(t, err)
	require.NotNil(t, anomaly)
	assert.Equal(t, "lock_file_stale", anomaly.Reason)
}

func TestAcknowledgeStartupAnomalyClearsStaleness(t *testing.T) {
	chain, _ := newTestChain(t)
	_, err := chain.Append(types.AuditCategorySystem, "startup", "")
	require.NoError(t, err)
	require.NoError(t, chain.AcknowledgeStartupAnomaly())

	anomaly, err := chain.VerifyStartup()
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}
