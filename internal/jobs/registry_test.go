package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func downloadDesc() Descriptor {
	return Descriptor{Kind: KindDownload, Project: "Acme", Environment: "Production", Target: "mysitemedia", Filter: "*.jpg"}
}

func exportDesc(db string) Descriptor {
	return Descriptor{Kind: KindExport, Project: "Acme", Environment: "Production", Target: db}
}

type memHistory struct {
	mu   sync.Mutex
	jobs []Job
}

func (h *memHistory) SaveJob(j Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, j)
	return nil
}

func (h *memHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func TestFingerprintNormalization(t *testing.T) {
	a := downloadDesc()
	b := Descriptor{Kind: KindDownload, Project: " acme ", Environment: "PRODUCTION", Target: "MySiteMedia", Filter: "*.JPG"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := a
	c.Filter = "*.png"
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := a
	d.Destination = "/srv/media"
	e := a
	e.Destination = "/srv/other/../media/"
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
	assert.Equal(t, d.Fingerprint(), e.Fingerprint())
	e.Destination = "/srv/Media"
	assert.NotEqual(t, d.Fingerprint(), e.Fingerprint())

	assert.Equal(t, exportDesc("epicms").ResourceKey(), exportDesc("otherdb").ResourceKey())
}

func TestConcurrentRegisterAttaches(t *testing.T) {
	r := NewRegistry(Config{})
	const n = 50

	var wg sync.WaitGroup
	ids := make([]string, n)
	attached := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, att, err := r.Register(downloadDesc(), false)
			assert.NoError(t, err)
			ids[i], attached[i] = id, att
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
		if !attached[i] {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, r.List(), 1)
}

func TestRegisterAttachesToActiveJob(t *testing.T) {
	r := NewRegistry(Config{})
	id, attached, err := r.Register(downloadDesc(), false)
	require.NoError(t, err)
	require.False(t, attached)
	_, err = r.Start(id)
	require.NoError(t, err)

	again, attached, err := r.Register(downloadDesc(), false)
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Equal(t, id, again)

	assert.Len(t, r.CheckOverlap(downloadDesc()), 1)
	_, err = r.Complete(id, &Summary{Outcome: "complete"})
	require.NoError(t, err)
	assert.Empty(t, r.CheckOverlap(downloadDesc()))

	next, attached, err := r.Register(downloadDesc(), false)
	require.NoError(t, err)
	assert.False(t, attached)
	assert.NotEqual(t, id, next)
}

func TestTransitions(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, err := r.Register(downloadDesc(), false)
	require.NoError(t, err)

	_, err = r.Complete(id, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot succeed directly")

	j, err := r.Start(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, j.State)
	require.NotNil(t, j.StartedAt)

	_, err = r.Start(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	j, err = r.Complete(id, &Summary{Outcome: "complete", Succeeded: 3})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, j.State)
	assert.Equal(t, float64(100), j.Percent)
	require.NotNil(t, j.CompletedAt)
	require.NotNil(t, j.Summary)
	assert.Equal(t, 3, j.Summary.Succeeded)

	_, err = r.Fail(id, "late", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProgress(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)

	assert.ErrorIs(t, r.UpdateProgress(id, 10, "listing", ""), ErrInvalidTransition)

	_, err := r.Start(id)
	require.NoError(t, err)
	require.NoError(t, r.UpdateProgress(id, 150, "downloading", "7/10"))
	j, _ := r.Get(id)
	assert.Equal(t, float64(100), j.Percent)
	assert.Equal(t, "downloading", j.Phase)
	assert.Equal(t, "7/10", j.Message)

	require.NoError(t, r.UpdateProgress(id, -3, "", ""))
	j, _ = r.Get(id)
	assert.Equal(t, float64(0), j.Percent)
	assert.Equal(t, "downloading", j.Phase)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)
	_, _ = r.Start(id)
	_, _ = r.Complete(id, &Summary{Succeeded: 1})

	j, _ := r.Get(id)
	j.Summary.Succeeded = 99
	j.State = StateFailed

	again, _ := r.Get(id)
	assert.Equal(t, 1, again.Summary.Succeeded)
	assert.Equal(t, StateSucceeded, again.State)
}

func TestCancel(t *testing.T) {
	r := NewRegistry(Config{})

	pending, _, _ := r.Register(downloadDesc(), false)
	j, err := r.Cancel(pending)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, j.State)

	active, _, _ := r.Register(downloadDesc(), false)
	_, err = r.Start(active)
	require.NoError(t, err)
	j, err = r.Cancel(active)
	require.NoError(t, err)
	assert.Equal(t, StateActive, j.State)
	assert.True(t, r.CancelRequested(active))

	j, err = r.MarkCancelled(active, &Summary{Outcome: "partial", Succeeded: 2})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, j.State)

	_, err = r.Cancel(active)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExportQueueScenario(t *testing.T) {
	r := NewRegistry(Config{})

	first, adm, err := r.Admit(exportDesc("epicms"), AdmitOptions{Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, AdmissionNew, adm)
	_, err = r.Start(first.ID)
	require.NoError(t, err)

	again, adm, err := r.Admit(exportDesc("EpiCMS"), AdmitOptions{Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, AdmissionAttached, adm)
	assert.Equal(t, first.ID, again.ID)

	released := make(chan Job, 1)
	other, adm, err := r.Admit(exportDesc("otherdb"), AdmitOptions{
		Exclusive: true,
		OnRelease: func(j Job) { released <- j },
	})
	require.NoError(t, err)
	assert.Equal(t, AdmissionQueued, adm)
	assert.Equal(t, StateQueued, other.State)
	assert.Equal(t, first.ID, other.BlockedBy)

	holder, ok := r.ActiveForResource(exportDesc("otherdb").ResourceKey())
	require.True(t, ok)
	assert.Equal(t, first.ID, holder.ID)

	_, err = r.Complete(first.ID, nil)
	require.NoError(t, err)

	j, err := r.Get(other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, j.State)
	assert.Empty(t, j.BlockedBy)

	select {
	case got := <-released:
		assert.Equal(t, other.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("release callback not invoked")
	}
}

func TestQueueChainRepointsWhenWaiterCancelled(t *testing.T) {
	r := NewRegistry(Config{})
	a, _, _ := r.Admit(exportDesc("a"), AdmitOptions{Exclusive: true})
	_, _ = r.Start(a.ID)
	b, _, _ := r.Admit(exportDesc("b"), AdmitOptions{Exclusive: true})
	c, _, _ := r.Admit(exportDesc("c"), AdmitOptions{Exclusive: true})
	require.Equal(t, a.ID, b.BlockedBy)
	require.Equal(t, b.ID, c.BlockedBy)

	_, err := r.Cancel(b.ID)
	require.NoError(t, err)

	jc, _ := r.Get(c.ID)
	assert.Equal(t, StateQueued, jc.State)
	assert.Equal(t, a.ID, jc.BlockedBy)

	_, err = r.Fail(a.ID, "remote failed", nil)
	require.NoError(t, err)
	jc, _ = r.Get(c.ID)
	assert.Equal(t, StatePending, jc.State)
}

func TestForceSupersedesActiveJob(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)
	_, _ = r.Start(id)

	forced, attached, err := r.Register(downloadDesc(), true)
	require.NoError(t, err)
	assert.False(t, attached)
	assert.NotEqual(t, id, forced)
	assert.True(t, r.CancelRequested(id))

	j, _ := r.Get(forced)
	assert.Equal(t, StateQueued, j.State, "forced job never runs alongside the old one")

	_, err = r.MarkCancelled(id, nil)
	require.NoError(t, err)
	j, _ = r.Get(forced)
	assert.Equal(t, StatePending, j.State)
}

func TestForceSupersedesPendingJob(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)

	forced, _, err := r.Register(downloadDesc(), true)
	require.NoError(t, err)

	old, _ := r.Get(id)
	assert.Equal(t, StateCancelled, old.State)
	j, _ := r.Get(forced)
	assert.Equal(t, StatePending, j.State)
}

func TestHistoryAndRetention(t *testing.T) {
	hist := &memHistory{}
	r := NewRegistry(Config{HistoryLimit: 2, History: hist})

	for i := 0; i < 4; i++ {
		d := downloadDesc()
		d.Filter = string(rune('a' + i))
		id, _, _ := r.Register(d, false)
		_, _ = r.Start(id)
		_, err := r.Complete(id, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, hist.len())
	assert.Len(t, r.List(), 2)
}

func TestHooks(t *testing.T) {
	r := NewRegistry(Config{})
	var mu sync.Mutex
	var terminal []State
	var transitions int
	r.OnTerminal(func(j Job) {
		mu.Lock()
		defer mu.Unlock()
		terminal = append(terminal, j.State)
	})
	r.OnTransition(func(from State, j Job) {
		mu.Lock()
		defer mu.Unlock()
		transitions++
	})

	id, _, _ := r.Register(downloadDesc(), false)
	_, _ = r.Start(id)
	_, _ = r.TimeOut(id, "too slow")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateTimedOut}, terminal)
	assert.Equal(t, 3, transitions)
}

func TestWait(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)
	_, _ = r.Start(id)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.UpdateProgress(id, 50, "downloading", "")
		_, _ = r.Complete(id, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := r.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, j.State)
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewRegistry(Config{})
	id, _, _ := r.Register(downloadDesc(), false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
