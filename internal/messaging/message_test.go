package messaging

import (
	"encoding/json"
	"testing"

	"github.com/adred-codev/ws_channels/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsDefaults(t *testing.T) {
	env, err := New(EventTaskCreated, TaskEventData{TaskID: 7, Title: "Inventory"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.MessageID)
	assert.False(t, env.Timestamp.IsZero())
	assert.Equal(t, 1, env.PriorityLevel)
	assert.Nil(t, env.Topic)
	assert.JSONEq(t, `{"task_id":7,"title":"Inventory"}`, string(env.Data))
}

func TestNew_RejectsUnknownEvent(t *testing.T) {
	_, err := New("bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestNew_Options(t *testing.T) {
	env, err := New(EventAlert, NotificationData{Kind: "x", Message: "y"},
		WithTopic("tasks"),
		WithPriority(42),
		ForUser(9),
		ForRole("admin"),
		ForChannel("admin-0"),
		ForChannelType(routing.ChannelAdmin),
	)
	require.NoError(t, err)

	assert.Equal(t, "tasks", env.TopicName())
	assert.True(t, env.HasTopic())
	assert.Equal(t, 10, env.PriorityLevel)
	assert.Equal(t, int64(9), *env.TargetUserID)
	assert.Equal(t, "admin", *env.TargetRole)
	assert.Equal(t, "admin-0", *env.ChannelName)
	assert.Equal(t, routing.ChannelAdmin, *env.ChannelType)
}

func TestEncode_WireFieldNames(t *testing.T) {
	env := MustNew(EventPing, nil)
	raw, err := env.Encode()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{
		"event_type", "data", "timestamp", "message_id", "target_user_id",
		"target_role", "topic", "channel_name", "channel_type", "priority_level",
	} {
		assert.Contains(t, fields, key)
	}
	assert.Nil(t, fields["topic"])
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"event_type":"subscribe","data":{"events":["tasks","alerts"]}}`))
	require.NoError(t, err)

	assert.Equal(t, EventSubscribe, env.EventType)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, 1, env.PriorityLevel)

	ctrl, err := DecodeData[ControlData](env)
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks", "alerts"}, ctrl.Events)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event_type":"launch_missiles"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestPayload_TypedUnion(t *testing.T) {
	tests := []struct {
		env  *Envelope
		want any
	}{
		{NewConnectionAck(ConnectionAckData{ConnectionID: "c1", ChannelName: "general-0"}), &ConnectionAckData{}},
		{NewPing(), &PingData{}},
		{MustNew(EventTaskAssigned, TaskEventData{TaskID: 1}), &TaskEventData{}},
		{MustNew(EventEfectivoUpdated, EfectivoEventData{EfectivoID: 2}), &EfectivoEventData{}},
		{NewNotification(KindSubscriptionAck, "ok", nil), &NotificationData{}},
		{NewError(ErrCodeInvalidMessage, "bad"), &ErrorData{}},
		{MustNew(EventDashboardUpdate, DashboardData{Metrics: map[string]any{"open": 3}}), &DashboardData{}},
	}

	for _, tt := range tests {
		p, err := tt.env.Payload()
		require.NoError(t, err, tt.env.EventType)
		assert.IsType(t, tt.want, p)
	}

	ack, err := NewConnectionAck(ConnectionAckData{ConnectionID: "c1"}).Payload()
	require.NoError(t, err)
	assert.Equal(t, "c1", ack.(*ConnectionAckData).ConnectionID)
}

func TestClone_IndependentTargets(t *testing.T) {
	orig := MustNew(EventNotification, nil)
	c := orig.Clone()
	role := "admin"
	c.TargetRole = &role

	assert.Nil(t, orig.TargetRole)
	assert.Equal(t, orig.MessageID, c.MessageID)
}

func TestEventType_IsControl(t *testing.T) {
	assert.True(t, EventSubscribe.IsControl())
	assert.True(t, EventPong.IsControl())
	assert.False(t, EventTaskCreated.IsControl())
}
