package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/press/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.View(func(tx Tx) error {
		_, err := tx.GetSite("missing.example.com")
		return err
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	var nf *types.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "site", nf.Kind)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.Update(func(tx Tx) error {
		if err := tx.PutSite(&types.Site{Name: "a.example.com", Server: "f1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.View(func(tx Tx) error {
		_, err := tx.GetSite("a.example.com")
		return err
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPutStampsTimestamps(t *testing.T) {
	store := newTestStore(t)
	site := &types.Site{Name: "a.example.com"}

	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutSite(site) }))
	assert.False(t, site.Creation.IsZero())
	created := site.Creation

	time.Sleep(time.Millisecond)
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutSite(site) }))
	assert.Equal(t, created, site.Creation)
	assert.True(t, site.Modified.After(created))
}

func TestSiteUpdateIndexes(t *testing.T) {
	store := newTestStore(t)

	u := &types.SiteUpdate{
		Name:                 "upd-1",
		Site:                 "a.example.com",
		Server:               "f1",
		SourceCandidate:      "dc-1",
		DestinationCandidate: "dc-2",
		Status:               types.UpdateStatusPending,
	}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutSiteUpdate(u) }))

	require.NoError(t, store.View(func(tx Tx) error {
		pair, err := tx.ListSiteUpdatesForPair("a.example.com", "dc-1", "dc-2")
		require.NoError(t, err)
		assert.Len(t, pair, 1)

		other, err := tx.ListSiteUpdatesForPair("a.example.com", "dc-1", "dc-3")
		require.NoError(t, err)
		assert.Empty(t, other)

		pending, err := tx.ListSiteUpdatesByServerStatus("f1", types.UpdateStatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
		return nil
	}))

	u.Status = types.UpdateStatusRunning
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutSiteUpdate(u) }))

	require.NoError(t, store.View(func(tx Tx) error {
		pending, err := tx.ListSiteUpdatesByServerStatus("f1", types.UpdateStatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending, "old index entry must be removed")

		running, err := tx.ListSiteUpdatesByServerStatus("f1", types.UpdateStatusRunning)
		require.NoError(t, err)
		assert.Len(t, running, 1)
		return nil
	}))
}

func TestIndexPrefixesDoNotOverlap(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(tx Tx) error {
		if err := tx.PutSite(&types.Site{Name: "a.example.com", Server: "f1"}); err != nil {
			return err
		}
		return tx.PutSite(&types.Site{Name: "b.example.com", Server: "f10"})
	}))

	require.NoError(t, store.View(func(tx Tx) error {
		sites, err := tx.ListSitesByServer("f1")
		require.NoError(t, err)
		require.Len(t, sites, 1)
		assert.Equal(t, "a.example.com", sites[0].Name)
		return nil
	}))
}

func TestListSiteBackupsBySiteNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Update(func(tx Tx) error {
		for i, name := range []string{"b-old", "b-new", "b-mid"} {
			offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
			b := &types.SiteBackup{Name: name, Site: "a.example.com", Creation: base.Add(offsets[i])}
			if err := tx.PutSiteBackup(b); err != nil {
				return err
			}
		}
		return tx.PutSiteBackup(&types.SiteBackup{Name: "other", Site: "b.example.com", Creation: base})
	}))

	require.NoError(t, store.View(func(tx Tx) error {
		backups, err := tx.ListSiteBackupsBySite("a.example.com")
		require.NoError(t, err)
		require.Len(t, backups, 3)
		assert.Equal(t, "b-new", backups[0].Name)
		assert.Equal(t, "b-mid", backups[1].Name)
		assert.Equal(t, "b-old", backups[2].Name)
		return nil
	}))
}

func TestAgentJobStatusIndex(t *testing.T) {
	store := newTestStore(t)

	job := &types.AgentJob{ID: "j1", Server: "f1", Site: "a.example.com", Status: types.JobStatusUndelivered}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutAgentJob(job) }))

	job.Status = types.JobStatusPending
	require.NoError(t, store.Update(func(tx Tx) error { return tx.PutAgentJob(job) }))

	require.NoError(t, store.View(func(tx Tx) error {
		undelivered, err := tx.ListAgentJobsByStatus(types.JobStatusUndelivered)
		require.NoError(t, err)
		assert.Empty(t, undelivered)

		pending, err := tx.ListAgentJobsByStatusServer(types.JobStatusPending, "f1")
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		bySite, err := tx.ListAgentJobsBySite("a.example.com")
		require.NoError(t, err)
		assert.Len(t, bySite, 1)
		return nil
	}))
}

func TestRenameSiteMovesDependents(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(tx Tx) error {
		if err := tx.PutSite(&types.Site{Name: "old.example.com", Server: "f1"}); err != nil {
			return err
		}
		if err := tx.PutSiteDomain(&types.SiteDomain{Name: "old.example.com", Site: "old.example.com"}); err != nil {
			return err
		}
		if err := tx.PutSiteBackup(&types.SiteBackup{Name: "b1", Site: "old.example.com"}); err != nil {
			return err
		}
		if err := tx.PutSiteUpdate(&types.SiteUpdate{Name: "u1", Site: "old.example.com"}); err != nil {
			return err
		}
		return tx.PutAgentJob(&types.AgentJob{ID: "j1", Site: "old.example.com"})
	}))

	require.NoError(t, store.Update(func(tx Tx) error {
		return tx.RenameSite("old.example.com", "new.example.com")
	}))

	require.NoError(t, store.View(func(tx Tx) error {
		_, err := tx.GetSite("old.example.com")
		assert.ErrorIs(t, err, types.ErrNotFound)

		site, err := tx.GetSite("new.example.com")
		require.NoError(t, err)
		assert.Equal(t, "f1", site.Server)

		domains, err := tx.ListSiteDomains("new.example.com")
		require.NoError(t, err)
		assert.Len(t, domains, 1)

		backups, err := tx.ListSiteBackupsBySite("new.example.com")
		require.NoError(t, err)
		assert.Len(t, backups, 1)

		updates, err := tx.ListSiteUpdatesBySite("new.example.com")
		require.NoError(t, err)
		assert.Len(t, updates, 1)

		// Jobs keep the name they were issued for
		jobs, err := tx.ListAgentJobsBySite("old.example.com")
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		return nil
	}))
}

func TestRenameSiteRejectsExistingTarget(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(tx Tx) error {
		if err := tx.PutSite(&types.Site{Name: "a.example.com"}); err != nil {
			return err
		}
		return tx.PutSite(&types.Site{Name: "b.example.com"})
	}))

	err := store.Update(func(tx Tx) error {
		return tx.RenameSite("a.example.com", "b.example.com")
	})
	assert.Error(t, err)
}

func TestRebuildIndexes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(tx Tx) error {
		if err := tx.PutSiteUpdate(&types.SiteUpdate{Name: "u1", Site: "a", Server: "f1", Status: types.UpdateStatusScheduled}); err != nil {
			return err
		}
		return tx.PutDeployCandidateDifference(&types.DeployCandidateDifference{Name: "d1", Source: "dc-1", Destination: "dc-2"})
	}))

	require.NoError(t, store.RebuildIndexes())

	require.NoError(t, store.View(func(tx Tx) error {
		scheduled, err := tx.ListSiteUpdatesByServerStatus("f1", types.UpdateStatusScheduled)
		require.NoError(t, err)
		assert.Len(t, scheduled, 1)

		diff, err := tx.GetDeployCandidateDifference("dc-1", "dc-2")
		require.NoError(t, err)
		assert.Equal(t, "d1", diff.Name)
		return nil
	}))
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()

	unlock := km.Lock("a.example.com")
	assert.Equal(t, 1, km.Held())

	acquired := make(chan struct{})
	go func() {
		release := km.Lock("a.example.com")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	// A different key never waits
	other := km.Lock("b.example.com")
	other()

	unlock()
	<-acquired

	assert.Eventually(t, func() bool { return km.Held() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeyedMutexConcurrent(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("site")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, km.Held())
}

func TestKeyedMutexTryLock(t *testing.T) {
	km := NewKeyedMutex()

	unlock, ok := km.TryLock("acme.example.com")
	require.True(t, ok)

	_, ok = km.TryLock("acme.example.com")
	assert.False(t, ok)

	other, ok := km.TryLock("beta.example.com")
	require.True(t, ok)
	other()

	unlock()
	assert.Equal(t, 0, km.Held())

	again, ok := km.TryLock("acme.example.com")
	require.True(t, ok)
	again()
}
