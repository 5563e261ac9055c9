package builtin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loopworks/conductor/internal/sandbox"
	"github.com/loopworks/conductor/internal/tools"
	"github.com/loopworks/conductor/internal/tools/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*tools.Registry, *sandbox.Sandbox) {
	t.Helper()
	ws, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	r := tools.New(nil)
	require.NoError(t, builtin.RegisterFilesystem(r, ws))
	return r, ws
}

func TestWriteReadEditFile(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	res := r.Invoke(ctx, "write_file", json.RawMessage(`{"path":"a.txt","content":"hello world"}`))
	require.True(t, res.Success, res.Error)

	res = r.Invoke(ctx, "read_file", json.RawMessage(`{"path":"a.txt"}`))
	require.True(t, res.Success)
	assert.Equal(t, "hello world", res.Output)

	res = r.Invoke(ctx, "edit_file", json.RawMessage(`{"path":"a.txt","old_string":"world","new_string":"there"}`))
	require.True(t, res.Success)

	res = r.Invoke(ctx, "read_file", json.RawMessage(`{"path":"a.txt"}`))
	require.True(t, res.Success)
	assert.Equal(t, "hello there", res.Output)
}

func TestEditFileMissingOldStringFails(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	r.Invoke(ctx, "write_file", json.RawMessage(`{"path":"a.txt","content":"hello"}`))

	res := r.Invoke(ctx, "edit_file", json.RawMessage(`{"path":"a.txt","old_string":"nope","new_string":"x"}`))
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "read the file first")
}

func TestDeleteAndListFiles(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	r.Invoke(ctx, "write_file", json.RawMessage(`{"path":"a.txt","content":"x"}`))
	r.Invoke(ctx, "write_file", json.RawMessage(`{"path":"b.txt","content":"y"}`))

	res := r.Invoke(ctx, "list_files", json.RawMessage(`{"path":"."}`))
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "a.txt")
	assert.Contains(t, res.Output, "b.txt")

	res = r.Invoke(ctx, "delete_file", json.RawMessage(`{"path":"a.txt"}`))
	require.True(t, res.Success)

	res = r.Invoke(ctx, "read_file", json.RawMessage(`{"path":"a.txt"}`))
	require.False(t, res.Success)
}

func TestPathEscapeRejected(t *testing.T) {
	r, _ := newRegistry(t)
	res := r.Invoke(context.Background(), "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`))
	require.False(t, res.Success)
}

type fakeScheduleStore struct {
	items map[string]builtin.ScheduledItemView
	next  int
}

func newFakeStore() *fakeScheduleStore {
	return &fakeScheduleStore{items: map[string]builtin.ScheduledItemView{}}
}

func (f *fakeScheduleStore) CreateScheduledItem(ctx context.Context, item builtin.ScheduledItemInput) (string, error) {
	f.next++
	id := "s" + string(rune('0'+f.next))
	f.items[id] = builtin.ScheduledItemView{
		ID: id, Type: item.Type, Title: item.Title, Status: "active", NextRunAt: item.NextRunAt,
	}
	return id, nil
}

func (f *fakeScheduleStore) ListScheduledItems(ctx context.Context) ([]builtin.ScheduledItemView, error) {
	out := make([]builtin.ScheduledItemView, 0, len(f.items))
	for _, v := range f.items {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeScheduleStore) CancelScheduledItem(ctx context.Context, id string) error {
	delete(f.items, id)
	return nil
}

func (f *fakeScheduleStore) PauseScheduledItem(ctx context.Context, id string) error {
	it := f.items[id]
	it.Status = "paused"
	f.items[id] = it
	return nil
}

func (f *fakeScheduleStore) ResumeScheduledItem(ctx context.Context, id string) error {
	it := f.items[id]
	it.Status = "active"
	f.items[id] = it
	return nil
}

func TestSchedulingToolsValidateBeforeStoring(t *testing.T) {
	r := tools.New(nil)
	store := newFakeStore()
	require.NoError(t, builtin.RegisterScheduling(r, store))
	ctx := context.Background()

	res := r.Invoke(ctx, "create_reminder", json.RawMessage(`{"title":"t","schedule_type":"interval","minutes":0}`))
	require.False(t, res.Success, "minutes=0 must be rejected before reaching the store")
	assert.Empty(t, store.items)

	res = r.Invoke(ctx, "create_reminder", json.RawMessage(`{"title":"t","schedule_type":"interval","minutes":30}`))
	require.True(t, res.Success)
	assert.Len(t, store.items, 1)
}

func TestSchedulingListCancelPauseResume(t *testing.T) {
	r := tools.New(nil)
	store := newFakeStore()
	require.NoError(t, builtin.RegisterScheduling(r, store))
	ctx := context.Background()

	r.Invoke(ctx, "create_scheduled_task", json.RawMessage(`{"title":"daily","schedule_type":"daily","time":"09:00"}`))
	var id string
	for k := range store.items {
		id = k
	}
	require.NotEmpty(t, id)

	res := r.Invoke(ctx, "list_scheduled", nil)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, id)

	res = r.Invoke(ctx, "pause_scheduled", json.RawMessage(`{"id":"`+id+`"}`))
	require.True(t, res.Success)
	assert.Equal(t, "paused", store.items[id].Status)

	res = r.Invoke(ctx, "resume_scheduled", json.RawMessage(`{"id":"`+id+`"}`))
	require.True(t, res.Success)
	assert.Equal(t, "active", store.items[id].Status)

	res = r.Invoke(ctx, "cancel_scheduled", json.RawMessage(`{"id":"`+id+`"}`))
	require.True(t, res.Success)
	_, ok := store.items[id]
	assert.False(t, ok)
}
