package service

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vogiaan1904/actpresence/config"
	"github.com/vogiaan1904/actpresence/internal/models"
	"github.com/vogiaan1904/actpresence/internal/presence"
)

func TestTwoSessionsEndToEnd(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	svcA := newTestLockService(hub, clk, "A")
	svcB := newTestLockService(hub, clk, "B")

	var ra, rb cbRecorder
	a, err := svcA.Open(ctx, "42", ra.callbacks())
	require.NoError(t, err)
	settle(t, a)

	clk.Advance(50 * time.Millisecond)
	b, err := svcB.Open(ctx, "42", rb.callbacks())
	require.NoError(t, err)
	settle(t, a, b)

	assert.Equal(t, "2024-05-06T10:00:00.000Z", a.Announcement().AcquiredAt)
	assert.Equal(t, "2024-05-06T10:00:00.050Z", b.Announcement().AcquiredAt)
	assert.Equal(t, []string{"acquired"}, ra.list())
	assert.Equal(t, []string{"locked:A"}, rb.list())
	assert.True(t, a.Decision().IsHolder())
	assert.Equal(t, "A", b.Decision().HolderName)

	require.NoError(t, svcA.Close(ctx, "42"))
	settle(t, b)

	assert.Equal(t, []string{"locked:A", "acquired"}, rb.list())
	assert.Equal(t, []string{"acquired"}, ra.list(), "closed session gets nothing more")
}

func TestReleaseCascade(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)

	var ra, rb, rc cbRecorder
	svcA := newTestLockService(hub, clk, "A")
	a, err := svcA.Open(ctx, "7", ra.callbacks())
	require.NoError(t, err)
	settle(t, a)

	clk.Advance(time.Millisecond)
	b, err := newTestLockService(hub, clk, "B").Open(ctx, "7", rb.callbacks())
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	c, err := newTestLockService(hub, clk, "C").Open(ctx, "7", rc.callbacks())
	require.NoError(t, err)
	settle(t, a, b, c)

	assert.Equal(t, "locked:A", rb.last())
	assert.Equal(t, "locked:A", rc.last())

	require.NoError(t, svcA.Close(ctx, "7"))
	settle(t, b, c)

	assert.Equal(t, "acquired", rb.last())
	assert.True(t, b.Decision().IsHolder())
	assert.Equal(t, "locked:B", rc.last(), "holder change re-fires with the new holder")
	assert.Equal(t, "B", c.Decision().HolderName)
}

func TestReconnectResendsOriginalTimestamp(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{}
	clk := clockwork.NewFakeClockAt(t0)
	svc := newTestLockService(tr, clk, "anna")

	sess, err := svc.Open(ctx, "42", Callbacks{})
	require.NoError(t, err)
	settle(t, sess)
	ch := tr.last()
	require.Equal(t, 1, ch.trackCount())

	clk.Advance(45 * time.Minute)
	ch.emit(presence.Event{Type: presence.EventReconnect})
	settle(t, sess)

	require.Equal(t, 2, ch.trackCount())
	assert.Equal(t, ch.tracked(0), ch.tracked(1))
	assert.Equal(t, "2024-05-06T10:00:00.000Z", ch.tracked(1).AcquiredAt)
}

func TestBootstrapConvergesToEarliestClaim(t *testing.T) {
	self := func(clk *clockwork.FakeClock) models.Announcement {
		return models.NewAnnouncement("A", "42", t0, "")
	}
	other := models.NewAnnouncement("B", "42", t0.Add(time.Second), "")

	t.Run("others synced before self", func(t *testing.T) {
		ctx := context.Background()
		tr := &scriptedTransport{}
		clk := clockwork.NewFakeClockAt(t0)
		var rec cbRecorder
		sess, err := newTestLockService(tr, clk, "A").Open(ctx, "42", rec.callbacks())
		require.NoError(t, err)
		settle(t, sess)
		ch := tr.last()

		ch.setState(other)
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)
		assert.Equal(t, []string{"locked:B"}, rec.list())

		ch.setState(other, self(clk))
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)
		assert.Equal(t, []string{"locked:B", "acquired"}, rec.list())
		assert.True(t, sess.Decision().IsHolder())
	})

	t.Run("self synced before others", func(t *testing.T) {
		ctx := context.Background()
		tr := &scriptedTransport{}
		clk := clockwork.NewFakeClockAt(t0)
		var rec cbRecorder
		sess, err := newTestLockService(tr, clk, "A").Open(ctx, "42", rec.callbacks())
		require.NoError(t, err)
		settle(t, sess)
		ch := tr.last()

		ch.setState(self(clk))
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)

		ch.setState(self(clk), other)
		ch.emit(presence.Event{Type: presence.EventJoin, Key: "B"})
		settle(t, sess)

		assert.Equal(t, []string{"acquired"}, rec.list())
		assert.True(t, sess.Decision().IsHolder())
	})
}

func TestRecheckTimersReevaluateWithoutEvents(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{}
	clk := clockwork.NewFakeClockAt(t0)
	var rec cbRecorder
	sess, err := newTestLockService(tr, clk, "B").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)
	waiters(t, clk, 2)
	assert.Empty(t, rec.list())

	// The transport caught up silently.
	tr.last().setState(models.NewAnnouncement("A", "42", t0.Add(-time.Minute), ""))

	clk.Advance(time.Second)
	waiters(t, clk, 1)
	require.Eventually(t, func() bool { return rec.last() == "locked:A" }, time.Second, 5*time.Millisecond)
	settle(t, sess)
	assert.Equal(t, []string{"locked:A"}, rec.list())

	clk.Advance(1500 * time.Millisecond)
	waiters(t, clk, 0)
	settle(t, sess)
	assert.Equal(t, []string{"locked:A"}, rec.list(), "unchanged decision fires nothing")
}

func TestOpenThenImmediateCloseLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	svc := newTestLockService(hub, clk, "anna")
	var rec cbRecorder

	sess, err := svc.Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, svc.Close(ctx, "42"))
	require.NoError(t, svc.Close(ctx, "42"))
	require.NoError(t, sess.Close(ctx))
	fired := len(rec.list())

	waiters(t, clk, 0)
	assert.Equal(t, 0, hub.Subscribers(presence.Topic("act", "42")))
	select {
	case <-sess.Done():
	default:
		t.Fatal("session loop still running")
	}

	clk.Advance(5 * time.Second)
	assert.Len(t, rec.list(), fired)
	assert.ErrorIs(t, sess.Flush(ctx), ErrSessionClosed)
	assert.Empty(t, svc.OpenResources())
}

func TestCloseBeforeAnyEventWithScriptedTransport(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{}
	clk := clockwork.NewFakeClockAt(t0)
	svc := newTestLockService(tr, clk, "anna")

	sess, err := svc.Open(ctx, "42", Callbacks{})
	require.NoError(t, err)
	require.NoError(t, sess.Close(ctx))

	waiters(t, clk, 0)
	assert.True(t, tr.last().left)
	tr.last().emit(presence.Event{Type: presence.EventSync})
}

func TestTrackFailureStaysPendingAndRetries(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{trackErr: errTrack(1)}
	clk := clockwork.NewFakeClockAt(t0)
	var rec cbRecorder
	sess, err := newTestLockService(tr, clk, "anna").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)

	ch := tr.last()
	assert.Equal(t, 1, ch.trackCount())
	assert.True(t, sess.Decision().IsPending())

	ch.mu.Lock()
	ch.trackErr = nil
	ch.mu.Unlock()
	ch.emit(presence.Event{Type: presence.EventSync})
	settle(t, sess)

	assert.GreaterOrEqual(t, ch.trackCount(), 2)
	assert.True(t, sess.Decision().IsPending())
	assert.Empty(t, rec.list())

	ch.setState(sess.Announcement())
	ch.emit(presence.Event{Type: presence.EventSync})
	settle(t, sess)
	assert.Equal(t, []string{"acquired"}, rec.list())
}

func TestZombieClaimIsIgnored(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)

	zombie, err := hub.Join(ctx, presence.Topic("act", "42"), func(presence.Event) {})
	require.NoError(t, err)
	require.NoError(t, zombie.Track(ctx, "ghost", models.NewAnnouncement("ghost", "42", t0.Add(-3*time.Hour), "")))
	hub.Crash(zombie)

	var rec cbRecorder
	sess, err := newTestLockService(hub, clk, "anna").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)

	assert.Equal(t, []string{"acquired"}, rec.list())
}

func TestRecentClaimStillBlocks(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)

	old, err := hub.Join(ctx, presence.Topic("act", "42"), func(presence.Event) {})
	require.NoError(t, err)
	require.NoError(t, old.Track(ctx, "boris", models.NewAnnouncement("boris", "42", t0.Add(-time.Hour), "")))

	var rec cbRecorder
	sess, err := newTestLockService(hub, clk, "anna").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)

	assert.Equal(t, []string{"locked:boris"}, rec.list())
}

func TestCommittedReachesViewersOnly(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	svcA := newTestLockService(hub, clk, "anna")
	svcB := newTestLockService(hub, clk, "boris")

	var ra, rb cbRecorder
	a, err := svcA.Open(ctx, "42", ra.callbacks())
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	b, err := svcB.Open(ctx, "42", rb.callbacks())
	require.NoError(t, err)
	settle(t, a, b)

	assert.ErrorIs(t, svcB.NotifyCommitted(ctx, "42"), ErrNotHolder)
	assert.ErrorIs(t, svcB.NotifyCommitted(ctx, "9"), ErrResourceNotOpen)

	require.NoError(t, svcA.NotifyCommitted(ctx, "42"))
	settle(t, a, b)

	assert.Equal(t, []string{"locked:anna", "committed:anna"}, rb.list())
	assert.Equal(t, []string{"acquired"}, ra.list())
}

func TestForeignCommittedIsIgnored(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{}
	clk := clockwork.NewFakeClockAt(t0)
	var rec cbRecorder
	sess, err := newTestLockService(tr, clk, "anna").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)

	ch := tr.last()
	ch.emit(presence.Event{Type: presence.EventBroadcast, Name: models.EventCommitted, Payload: []byte(`{"resource_id":"99"}`)})
	ch.emit(presence.Event{Type: presence.EventBroadcast, Name: models.EventCommitted, Payload: []byte(`not json`)})
	ch.emit(presence.Event{Type: presence.EventBroadcast, Name: "typing", Payload: []byte(`{"resource_id":"42"}`)})
	ch.emit(presence.Event{Type: presence.EventBroadcast, Name: models.EventCommitted, Payload: []byte(`{"resource_id":"42","committed_by":"boris"}`)})
	settle(t, sess)

	assert.Equal(t, []string{"committed:boris"}, rec.list())
}

func TestCloseFromCallbackDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	svc := newTestLockService(hub, clk, "anna")

	closed := make(chan error, 1)
	sess, err := svc.Open(ctx, "42", Callbacks{
		OnAcquired: func() { closed <- svc.Close(ctx, "42") },
	})
	require.NoError(t, err)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	assert.Eventually(t, func() bool {
		select {
		case <-sess.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.Subscribers(presence.Topic("act", "42")))
}

func TestSingleActiveClosesPreviousResource(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	svc := newTestLockService(hub, clk, "anna")

	first, err := svc.Open(ctx, "1", Callbacks{})
	require.NoError(t, err)
	_, err = svc.Open(ctx, "2", Callbacks{})
	require.NoError(t, err)

	<-first.Done()
	assert.Equal(t, []models.ResourceID{"2"}, svc.OpenResources())
	assert.Equal(t, 0, hub.Subscribers(presence.Topic("act", "1")))

	_, err = svc.Open(ctx, "2", Callbacks{})
	assert.ErrorIs(t, err, ErrResourceAlreadyOpen)
	_, err = svc.Open(ctx, "", Callbacks{})
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestMultipleActiveWhenAllowed(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	svc := newTestLockService(hub, clockwork.NewFakeClockAt(t0), "anna", func(c *config.PresenceConfig) {
		c.SingleActive = false
	})

	_, err := svc.Open(ctx, "1", Callbacks{})
	require.NoError(t, err)
	_, err = svc.Open(ctx, "2", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, []models.ResourceID{"1", "2"}, svc.OpenResources())

	require.NoError(t, svc.CloseAll(ctx))
	assert.Empty(t, svc.OpenResources())
	assert.Empty(t, hub.Topics())
}

func TestUniqueSessionKeysSeparateSameName(t *testing.T) {
	ctx := context.Background()
	hub := presence.NewHub()
	clk := clockwork.NewFakeClockAt(t0)
	unique := func(c *config.PresenceConfig) { c.UniqueSessionKeys = true }

	var r1, r2 cbRecorder
	s1, err := newTestLockService(hub, clk, "anna", unique).Open(ctx, "42", r1.callbacks())
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	s2, err := newTestLockService(hub, clk, "anna", unique).Open(ctx, "42", r2.callbacks())
	require.NoError(t, err)
	settle(t, s1, s2)

	assert.NotEqual(t, s1.Key(), s2.Key())
	assert.Equal(t, []string{"acquired"}, r1.list())
	assert.Equal(t, []string{"locked:anna"}, r2.list())
	assert.Equal(t, s1.Key(), s2.Decision().HolderKey)
}

func TestJoinFailureDoesNotRegister(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{joinErr: errTrack(0)}
	svc := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna")

	_, err := svc.Open(ctx, "42", Callbacks{})
	require.Error(t, err)
	assert.Empty(t, svc.OpenResources())
}

func TestPendingNeverRevokesEarlierDecision(t *testing.T) {
	t.Run("holder", func(t *testing.T) {
		ctx := context.Background()
		tr := &scriptedTransport{}
		var rec cbRecorder
		sess, err := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna").Open(ctx, "42", rec.callbacks())
		require.NoError(t, err)
		settle(t, sess)
		ch := tr.last()

		ch.setState(sess.Announcement())
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)
		require.True(t, sess.Decision().IsHolder())

		// A resync that momentarily sees nobody.
		ch.setState()
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)

		assert.True(t, sess.Decision().IsHolder())
		assert.Equal(t, []string{"acquired"}, rec.list())
	})

	t.Run("locked by other", func(t *testing.T) {
		ctx := context.Background()
		tr := &scriptedTransport{}
		var rec cbRecorder
		sess, err := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna").Open(ctx, "42", rec.callbacks())
		require.NoError(t, err)
		settle(t, sess)
		ch := tr.last()

		ch.setState(models.NewAnnouncement("boris", "42", t0.Add(-time.Minute), ""), sess.Announcement())
		ch.emit(presence.Event{Type: presence.EventSync})
		settle(t, sess)

		ch.setState()
		ch.emit(presence.Event{Type: presence.EventLeave, Key: "boris"})
		settle(t, sess)

		assert.True(t, sess.Decision().IsLockedByOther())
		assert.Equal(t, "boris", sess.Decision().HolderName)
		assert.Equal(t, []string{"locked:boris"}, rec.list())
	})
}

func TestOwnClaimPastMaxAgeYieldsToNewcomer(t *testing.T) {
	ctx := context.Background()
	tr := &scriptedTransport{}
	clk := clockwork.NewFakeClockAt(t0)
	var rec cbRecorder
	sess, err := newTestLockService(tr, clk, "anna").Open(ctx, "42", rec.callbacks())
	require.NoError(t, err)
	settle(t, sess)
	ch := tr.last()

	ch.setState(sess.Announcement())
	ch.emit(presence.Event{Type: presence.EventSync})
	settle(t, sess)
	require.Equal(t, []string{"acquired"}, rec.list())

	clk.Advance(2*time.Hour + time.Minute)
	newcomer := models.NewAnnouncement("boris", "42", clk.Now(), "")
	ch.setState(sess.Announcement(), newcomer)
	ch.emit(presence.Event{Type: presence.EventJoin, Key: "boris"})
	settle(t, sess)

	assert.Equal(t, []string{"acquired", "locked:boris"}, rec.list())
	assert.True(t, sess.Decision().IsLockedByOther())
	assert.Equal(t, "boris", sess.Decision().HolderName)
	assert.Equal(t, "2024-05-06T10:00:00.000Z", sess.Announcement().AcquiredAt, "own claim is never refreshed")
}

func TestCloseHonoursDeadlineWhileTrackHangs(t *testing.T) {
	tr := &scriptedTransport{hangTrack: true}
	svc := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna")

	sess, err := svc.Open(context.Background(), "42", Callbacks{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.last().trackCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, svc.CloseAll(ctx))

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, tr.last().left)
	assert.NoError(t, tr.last().leaveCtx, "leave ran with time to spare")
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled track did not release the loop")
	}
}

func TestCloseDuringBlockedCallbackReturnsPromptly(t *testing.T) {
	tr := &scriptedTransport{}
	svc := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var rec cbRecorder
	sess, err := svc.Open(context.Background(), "42", Callbacks{
		OnAcquired: func() {
			close(entered)
			<-unblock
		},
		OnLockedByOther: rec.callbacks().OnLockedByOther,
	})
	require.NoError(t, err)
	settle(t, sess)

	ch := tr.last()
	ch.setState(sess.Announcement())
	ch.emit(presence.Event{Type: presence.EventSync})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, sess.Close(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ch.left)

	ch.setState(models.NewAnnouncement("boris", "42", t0.Add(-time.Minute), ""))
	ch.emit(presence.Event{Type: presence.EventJoin, Key: "boris"})
	close(unblock)

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after the callback returned")
	}
	assert.Empty(t, rec.list(), "nothing fires once closed")
}

func TestCloseHonoursDeadlineWhenTransportIgnoresCancel(t *testing.T) {
	stuck := make(chan struct{})
	tr := &scriptedTransport{stuckTrack: stuck}
	svc := newTestLockService(tr, clockwork.NewFakeClockAt(t0), "anna")

	sess, err := svc.Open(context.Background(), "42", Callbacks{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.last().trackCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, svc.Close(ctx, "42"))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.True(t, tr.last().left)

	close(stuck)
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit once the transport returned")
	}
}
