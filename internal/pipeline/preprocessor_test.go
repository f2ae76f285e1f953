package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turksat-oss/pns-dispatch/internal/broker"
	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

type mockStore struct {
	mock.Mock
	pns.DeviceStore
}

func (m *mockStore) DevicesByPnsID(ctx context.Context, pnsIDs []string, platform pns.Platform, appID string, minAppVer *int64) (pns.DeviceCursor, error) {
	args := m.Called(ctx, pnsIDs, platform, appID, minAppVer)
	return args.Get(0).(pns.DeviceCursor), args.Error(1)
}

func (m *mockStore) DevicesByChannel(ctx context.Context, channelID int64, platform pns.Platform, appID string, minAppVer *int64) (pns.DeviceCursor, error) {
	args := m.Called(ctx, channelID, platform, appID, minAppVer)
	return args.Get(0).(pns.DeviceCursor), args.Error(1)
}

func (m *mockStore) DevicesByAppVersion(ctx context.Context, platform pns.Platform, appID string, minAppVer int64) (pns.DeviceCursor, error) {
	args := m.Called(ctx, platform, appID, minAppVer)
	return args.Get(0).(pns.DeviceCursor), args.Error(1)
}

func (m *mockStore) SaveAlertHistory(ctx context.Context, envelope pns.AlertEnvelope) error {
	return m.Called(ctx, envelope).Error(0)
}

type fakeCursor struct {
	batches []pns.DeviceBatch
	i       int
}

func (c *fakeCursor) NextBatch(ctx context.Context) (pns.DeviceBatch, error) {
	if c.i >= len(c.batches) {
		return pns.DeviceBatch{}, nil
	}
	b := c.batches[c.i]
	c.i++
	return b, nil
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	return m.Called(ctx, routingKey, body).Error(0)
}

func newTestPreProcessor(store pns.DeviceStore, pub Publisher) *PreProcessor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, pub, Config{APNSEnabled: true, GCMEnabled: true}, logger)
}

func TestProcess_DirectRecipients_PublishesPerPlatform(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)

	store.On("DevicesByPnsID", mock.Anything, []string{"u1"}, pns.PlatformAPNS, "", (*int64)(nil)).
		Return(&fakeCursor{batches: []pns.DeviceBatch{{Tokens: []string{"t1"}, HasMore: false}}}, nil)
	store.On("DevicesByPnsID", mock.Anything, []string{"u1"}, pns.PlatformGCM, "", (*int64)(nil)).
		Return(&fakeCursor{batches: []pns.DeviceBatch{{Tokens: []string{"t2"}, HasMore: false}}}, nil)

	pub.On("Publish", mock.Anything, broker.RoutingAPNS, mock.Anything).Return(nil)
	pub.On("Publish", mock.Anything, broker.RoutingGCM, mock.Anything).Return(nil)

	p := newTestPreProcessor(store, pub)
	outcome := p.HandleMessage(context.Background(), mustMarshal(t, pns.AlertEnvelope{
		Alert: "hi", PnsID: []string{"u1"},
	}))

	require.Equal(t, broker.Ack, outcome)
	pub.AssertExpectations(t)
}

func TestProcess_ChannelTarget(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	channelID := int64(42)

	store.On("DevicesByChannel", mock.Anything, channelID, pns.PlatformAPNS, "", (*int64)(nil)).
		Return(&fakeCursor{batches: []pns.DeviceBatch{{Tokens: []string{"t1"}}}}, nil)
	store.On("DevicesByChannel", mock.Anything, channelID, pns.PlatformGCM, "", (*int64)(nil)).
		Return(&fakeCursor{}, nil)
	pub.On("Publish", mock.Anything, broker.RoutingAPNS, mock.Anything).Return(nil)

	p := newTestPreProcessor(store, pub)
	outcome := p.HandleMessage(context.Background(), mustMarshal(t, pns.AlertEnvelope{
		Alert: "hi", ChannelID: &channelID,
	}))

	require.Equal(t, broker.Ack, outcome)
	pub.AssertCalled(t, "Publish", mock.Anything, broker.RoutingAPNS, mock.Anything)
	pub.AssertNotCalled(t, "Publish", mock.Anything, broker.RoutingGCM, mock.Anything)
}

func TestProcess_BroadcastByAppVersion(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	appVer := int64(5)

	store.On("DevicesByAppVersion", mock.Anything, pns.PlatformAPNS, "com.example.app", appVer).
		Return(&fakeCursor{batches: []pns.DeviceBatch{{Tokens: []string{"t1"}}}}, nil)
	store.On("DevicesByAppVersion", mock.Anything, pns.PlatformGCM, "com.example.app", appVer).
		Return(&fakeCursor{}, nil)
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	p := newTestPreProcessor(store, pub)
	outcome := p.HandleMessage(context.Background(), mustMarshal(t, pns.AlertEnvelope{
		Alert: "hi", AppID: "com.example.app", AppVer: &appVer,
	}))

	require.Equal(t, broker.Ack, outcome)
	store.AssertExpectations(t)
}

func TestHandleMessage_MalformedBodyIsDropped(t *testing.T) {
	p := newTestPreProcessor(new(mockStore), new(mockPublisher))
	outcome := p.HandleMessage(context.Background(), []byte("not json"))
	require.Equal(t, broker.NackNoRequeue, outcome)
}

func TestHandleMessage_NoAudienceModeIsNoop(t *testing.T) {
	store := new(mockStore)
	pub := new(mockPublisher)
	p := newTestPreProcessor(store, pub)

	outcome := p.HandleMessage(context.Background(), mustMarshal(t, pns.AlertEnvelope{Alert: "hi"}))

	require.Equal(t, broker.Ack, outcome)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}
