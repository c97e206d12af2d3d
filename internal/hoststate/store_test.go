package hoststate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/fetch"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := New(path, zap.NewNop())
	require.NoError(t, err)
	return store, path
}

func TestLoadCreatesEmptyState(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	state, err := store.Load("example.com")
	require.NoError(t, err)
	require.Equal(t, "example.com", state.Host)
	require.Empty(t, state.Cookies)
	require.Equal(t, fetch.DecisionNone, state.LastDecision)

	again, err := store.Load("example.com")
	require.NoError(t, err)
	require.Same(t, state, again, "same run must observe the same instance")
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)

	state, err := store.Load("example.com")
	require.NoError(t, err)
	state.Cookies = []fetch.Cookie{{Name: "cf_clearance", Value: "tok"}}
	state.WarmupDone = true
	state.SetValidators("https://example.com/list", fetch.Validators{ETag: `"v1"`})
	require.NoError(t, store.Save("example.com", state))

	reopened, err := New(path, zap.NewNop())
	require.NoError(t, err)
	loaded, err := reopened.Load("example.com")
	require.NoError(t, err)
	require.Equal(t, "tok", loaded.Cookies[0].Value)
	require.True(t, loaded.WarmupDone)
	require.Equal(t, `"v1"`, loaded.ValidatorsFor("https://example.com/list").ETag)
}

func TestCorruptFileReinitializes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store, err := New(path, zap.NewNop())
	require.NoError(t, err)

	state, err := store.Load("example.com")
	require.NoError(t, err)
	require.Empty(t, state.Cookies)
}

func TestCorruptHostEntryDropsOnlyThatHost(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	raw := map[string]any{
		"good.example": map[string]any{"host": "good.example", "warmup_done": true},
	}
	payload, err := json.Marshal(raw)
	require.NoError(t, err)
	// splice an unreadable entry alongside the good one
	payload = append(payload[:len(payload)-1], []byte(`,"bad.example":[1,2]}`)...)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	store, err := New(path, zap.NewNop())
	require.NoError(t, err)

	good, err := store.Load("good.example")
	require.NoError(t, err)
	require.True(t, good.WarmupDone)

	bad, err := store.Load("bad.example")
	require.NoError(t, err)
	require.False(t, bad.WarmupDone)
}

func TestRecordDecisionPersistsOnFlush(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)

	store.RecordDecision("example.com", fetch.DecisionCacheReuse)
	require.NoError(t, store.Flush())

	reopened, err := New(path, zap.NewNop())
	require.NoError(t, err)
	state, err := reopened.Load("example.com")
	require.NoError(t, err)
	require.Equal(t, fetch.DecisionCacheReuse, state.LastDecision)
}

func TestFlushWithoutChangesIsNoop(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	require.NoError(t, store.Flush())
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "clean store must not create the file")
}

func TestSaveDoesNotReadOtherHostsLiveState(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)

	stateA, err := store.Load("a.example")
	require.NoError(t, err)
	stateB, err := store.Load("b.example")
	require.NoError(t, err)

	// One host flushing must never serialize another host's live state;
	// each goroutine owns its own *HostState between Load and Save.
	var (
		wg      sync.WaitGroup
		saveErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			stateA.MergeCookies([]fetch.Cookie{{Name: "cf_clearance", Value: strconv.Itoa(i)}})
			if err := store.Save("a.example", stateA); err != nil {
				saveErr = err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			stateB.SetValidators("https://b.example/", fetch.Validators{ETag: strconv.Itoa(i)})
			stateB.MergeCookies([]fetch.Cookie{{Name: "ddg1", Value: strconv.Itoa(i)}})
		}
	}()
	wg.Wait()
	require.NoError(t, saveErr)
	require.NoError(t, store.Save("b.example", stateB))

	reopened, err := New(path, zap.NewNop())
	require.NoError(t, err)
	loadedB, err := reopened.Load("b.example")
	require.NoError(t, err)
	require.Equal(t, "99", loadedB.ValidatorsFor("https://b.example/").ETag)
}

func TestFlushWritesSnapshotTakenAtSave(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)

	state, err := store.Load("example.com")
	require.NoError(t, err)
	state.WarmupDone = true
	require.NoError(t, store.Save("example.com", state))

	// Mutations after Save stay in memory until the owner saves again.
	state.WarmupDone = false
	state.Stats.ConsecutiveFailures = 7
	require.NoError(t, store.Flush())

	reopened, err := New(path, zap.NewNop())
	require.NoError(t, err)
	loaded, err := reopened.Load("example.com")
	require.NoError(t, err)
	require.True(t, loaded.WarmupDone)
	require.Zero(t, loaded.Stats.ConsecutiveFailures)
}

func TestSaveSurvivesExpiredCookieState(t *testing.T) {
	t.Parallel()

	store, path := newTestStore(t)
	state, err := store.Load("example.com")
	require.NoError(t, err)
	state.Cookies = []fetch.Cookie{{
		Name:    "old",
		Value:   "x",
		Expires: time.Unix(1000, 0).UTC(),
	}}
	require.NoError(t, store.Save("example.com", state))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"old"`)
}
