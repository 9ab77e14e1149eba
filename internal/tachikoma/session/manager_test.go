package session

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(kv.NewMemory(), opts...)
}

func TestCurrentIDDefaultsToZero(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.CurrentID(ctx, "@alice:test")
	require.NoError(t, err)
	require.Equal(t, "0", id)
}

func TestCreateAllocatesDenseIDs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	for want := 0; want < m.MaxConversations(); want++ {
		id, err := m.Create(ctx, owner)
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(want), id)

		current, err := m.CurrentID(ctx, owner)
		require.NoError(t, err)
		require.Equal(t, id, current, "create must make the new conversation current")
	}
}

func TestCreateBeyondCapacityFailsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	for i := 0; i < m.MaxConversations(); i++ {
		_, err := m.Create(ctx, owner)
		require.NoError(t, err)
	}

	_, err := m.Create(ctx, owner)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, m.MaxConversations(), "failed create must not mutate membership")
	for i, info := range list {
		require.Equal(t, strconv.Itoa(i), info.ID)
	}
}

func TestSmallestFreeIDIsReused(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, owner)
		require.NoError(t, err)
	}
	// current is 2 after the third create, so 1 is deletable.
	require.NoError(t, m.Delete(ctx, owner, "1"))

	id, err := m.Create(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "1", id, "the smallest free id wins")
}

func TestGetMissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	history, found, err := m.Get(ctx, "@nobody:test", "0")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, history)
}

func TestGetOrCreateSeedsDefaultHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	history, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.Equal(t, DefaultHistory(), history)

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []Info{{ID: "0", Name: DefaultName, Current: true}}, list)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	first, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGetOrCreateReseedsExpiredContent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.NoError(t, m.Rename(ctx, owner, "0", "groceries"))
	require.NoError(t, m.Set(ctx, owner, "0", []Turn{
		{Role: RoleSystem, Content: DefaultPersona},
		{Role: RoleUser, Content: "hi"},
	}))

	// Content gone, membership alive — the accepted TTL edge case.
	require.NoError(t, m.Clear(ctx, owner, "0"))

	history, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.Equal(t, DefaultHistory(), history, "expired content reads back as a fresh default")

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []Info{{ID: "0", Name: "groceries", Current: true}}, list,
		"slot and name survive a content expiry")
}

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	history, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	history = append(history,
		Turn{Role: RoleUser, Content: "hi"},
		Turn{Role: RoleAssistant, Content: "hello"},
	)
	require.NoError(t, m.Set(ctx, owner, "0", history))

	got, found, err := m.Get(ctx, owner, "0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, history, got)
}

func TestDeleteCurrentIsRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner)
	require.NoError(t, err)
	_, err = m.Create(ctx, owner)
	require.NoError(t, err)

	err = m.Delete(ctx, owner, "1") // current after the second create
	require.ErrorIs(t, err, ErrDeleteCurrent)

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2, "rejected delete must leave membership unchanged")
}

func TestDeleteLastIsRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner)
	require.NoError(t, err)
	// Point the current pointer elsewhere so the only-conversation check is
	// what fires, not the current-conversation one.
	require.NoError(t, m.SetCurrentID(ctx, owner, "5"))

	err = m.Delete(ctx, owner, "0")
	require.ErrorIs(t, err, ErrDeleteLast)
}

func TestDeleteUnknownIsRejected(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner)
	require.NoError(t, err)

	err = m.Delete(ctx, owner, "7")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesAllFamilies(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner) // 0
	require.NoError(t, err)
	_, err = m.Create(ctx, owner) // 1, current
	require.NoError(t, err)
	require.NoError(t, m.AppendLog(ctx, owner, "0", "user: hi"))

	require.NoError(t, m.Delete(ctx, owner, "0"))

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []Info{{ID: "1", Name: DefaultName, Current: true}}, list)

	_, found, err := m.Get(ctx, owner, "0")
	require.NoError(t, err)
	require.False(t, found)

	lines, err := m.RecentLog(ctx, owner, "0", 10)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestSwitch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner) // 0
	require.NoError(t, err)
	_, err = m.Create(ctx, owner) // 1, current
	require.NoError(t, err)

	require.NoError(t, m.Switch(ctx, owner, "0"))
	current, err := m.CurrentID(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "0", current)

	require.ErrorIs(t, m.Switch(ctx, owner, "0"), ErrAlreadyCurrent)
	require.ErrorIs(t, m.Switch(ctx, owner, "4"), ErrNotFound)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner)
	require.NoError(t, err)

	// Empty id targets the current conversation.
	require.NoError(t, m.Rename(ctx, owner, "", "travel plans"))
	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, "travel plans", list[0].Name)

	require.ErrorIs(t, m.Rename(ctx, owner, "3", "nope"), ErrNotFound)
}

func TestFlushTearsDownCompletely(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.Create(ctx, owner)
	require.NoError(t, err)
	_, err = m.Create(ctx, owner)
	require.NoError(t, err)
	require.NoError(t, m.Rename(ctx, owner, "0", "kept?"))
	require.NoError(t, m.AppendLog(ctx, owner, "1", "user: hi"))

	require.NoError(t, m.Flush(ctx, owner))
	require.NoError(t, m.Flush(ctx, owner), "flush is idempotent")

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, list)

	history, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)
	require.Equal(t, DefaultHistory(), history, "post-flush state is factory fresh")
}

func TestInvalidIDs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	for _, id := range []string{"abc", "-1", "10", "1.5"} {
		t.Run(id, func(t *testing.T) {
			_, _, err := m.Get(ctx, owner, id)
			require.ErrorIs(t, err, ErrInvalidID)
		})
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.GetOrCreate(ctx, "@alice:test", "0")
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "@alice:test", "0", []Turn{
		{Role: RoleSystem, Content: DefaultPersona},
		{Role: RoleUser, Content: "alice's secret"},
	}))

	history, err := m.GetOrCreate(ctx, "@bob:test", "0")
	require.NoError(t, err)
	require.Equal(t, DefaultHistory(), history)

	require.NoError(t, m.Flush(ctx, "@bob:test"))
	_, found, err := m.Get(ctx, "@alice:test", "0")
	require.NoError(t, err)
	require.True(t, found, "flushing bob must not touch alice")
}

func TestTranscript(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "@alice:test"

	_, err := m.GetOrCreate(ctx, owner, "0")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendLog(ctx, owner, "0",
			"user: message "+strconv.Itoa(i),
			"assistant: reply "+strconv.Itoa(i)))
	}

	lines, err := m.RecentLog(ctx, owner, "0", 3)
	require.NoError(t, err)
	require.Equal(t, []string{
		"assistant: reply 3",
		"user: message 4",
		"assistant: reply 4",
	}, lines)

	lines, err = m.RecentLog(ctx, owner, "1", 3)
	require.NoError(t, err)
	require.Empty(t, lines)
}

// The full message round trip at the manager level: auto-create, append the
// user turn, append the assistant turn, persist, list.
func TestMessageRoundTripScenario(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	owner := "U1"

	current, err := m.CurrentID(ctx, owner)
	require.NoError(t, err)
	history, err := m.GetOrCreate(ctx, owner, current)
	require.NoError(t, err)

	history = append(history, Turn{Role: RoleUser, Content: "hi"})
	history = append(history, Turn{Role: RoleAssistant, Content: "hello"})
	require.NoError(t, m.Set(ctx, owner, current, history))

	got, found, err := m.Get(ctx, owner, current)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []Turn{
		{Role: RoleSystem, Content: DefaultPersona},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, got)

	list, err := m.List(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, []Info{{ID: "0", Name: DefaultName, Current: true}}, list)
}
