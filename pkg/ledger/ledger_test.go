package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "ledger.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppendChainsRecords(t *testing.T) {
	l, _ := openTestLedger(t)

	require.NoError(t, l.Append("apply_state", map[string]interface{}{"plugin": "net", "result": map[string]bool{"success": true}}))
	require.NoError(t, l.Append("rollback", map[string]string{"plugin": "net", "checkpoint_id": "cp-1"}))

	recs, err := l.Records()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, GenesisHash, recs[0].PrevHash)
	assert.Equal(t, uint64(0), recs[0].Height)
	assert.Equal(t, recs[0].Hash, recs[1].PrevHash)
	assert.Equal(t, uint64(1), recs[1].Height)
	assert.Equal(t, "rollback", recs[1].Action)
	assert.JSONEq(t, `{"plugin":"net","checkpoint_id":"cp-1"}`, string(recs[1].Details))

	for _, r := range recs {
		assert.Equal(t, ComputeHash(r.PrevHash, r.Timestamp, r.Action, r.Details), r.Hash)
	}
}

func TestOpenReplaysHead(t *testing.T) {
	l, path := openTestLedger(t)
	require.NoError(t, l.Append("apply_state", map[string]string{"plugin": "a"}))
	require.NoError(t, l.Append("apply_state", map[string]string{"plugin": "b"}))
	hash, height := l.Head()
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	gotHash, gotHeight := reopened.Head()
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, height, gotHeight)

	require.NoError(t, reopened.Append("rollback", map[string]string{"plugin": "b"}))
	report, err := reopened.Verify()
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Records)
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, path := openTestLedger(t)
	require.NoError(t, l.Append("apply_state", map[string]string{"plugin": "net"}))
	require.NoError(t, l.Append("apply_state", map[string]string{"plugin": "netcfg"}))
	require.NoError(t, l.Append("rollback", map[string]string{"plugin": "netcfg"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"plugin":"netcfg"`, `"plugin":"docker"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o640))

	report, err := l.Verify()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	assert.Equal(t, uint64(1), *report.BrokenAt)
	assert.Equal(t, "hash mismatch", report.Reason)
}

func TestVerifyEmptyLedger(t *testing.T) {
	l, _ := openTestLedger(t)
	report, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 0, report.Records)
	assert.Equal(t, GenesisHash, report.LastHash)
}

func TestDetailsWithHTMLCharactersVerify(t *testing.T) {
	l, _ := openTestLedger(t)
	require.NoError(t, l.Append("apply_state", map[string]string{"match": "tcp,nw_dst<10.0.0.1&x>"}))
	require.NoError(t, l.Append("apply_state", json.RawMessage(`{ "raw" : "a<b" }`)))

	report, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestStats(t *testing.T) {
	l, _ := openTestLedger(t)
	require.NoError(t, l.Append("apply_state", nil))
	require.NoError(t, l.Append("apply_state", nil))
	require.NoError(t, l.Append("rollback", nil))

	st, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Records)
	assert.Equal(t, map[string]int{"apply_state": 2, "rollback": 1}, st.Actions)
	assert.Equal(t, []string{"apply_state", "rollback"}, st.ActionNames())
	assert.NotEmpty(t, st.FirstTime)
	assert.NotEqual(t, GenesisHash, st.LastHash)
}

func TestTail(t *testing.T) {
	l, _ := openTestLedger(t)
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Append("apply_state", map[string]string{"plugin": p}))
	}

	recs, err := l.Tail(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[0].Height)
	assert.Equal(t, uint64(3), recs[1].Height)

	all, err := l.Tail(0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestTryAppendSkipsWhenBusy(t *testing.T) {
	l, _ := openTestLedger(t)

	l.mu.Lock()
	ok, err := l.TryAppend("apply_state", nil)
	l.mu.Unlock()
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.TryAppend("apply_state", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, height := l.Head()
	assert.Equal(t, uint64(1), height)
}

func TestConcurrentAppendKeepsChainValid(t *testing.T) {
	l, _ := openTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append("apply_state", map[string]int{"n": i}))
		}(i)
	}
	wg.Wait()

	report, err := l.Verify()
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 20, report.Records)
}

func TestAppendErrors(t *testing.T) {
	l, _ := openTestLedger(t)
	assert.Error(t, l.Append("", nil))
	assert.Error(t, l.Append("apply_state", make(chan int)))

	require.NoError(t, l.Close())
	assert.Error(t, l.Append("apply_state", nil))
}

func TestOpenRejectsCorruptLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o640))

	_, err := Open(path)
	assert.Error(t, err)
	_, err = Open("")
	assert.Error(t, err)
}
