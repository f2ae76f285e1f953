package gcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

type mockDoer struct {
	mock.Mock
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	return args.Get(0).(*http.Response), args.Error(1)
}

type mockStore struct {
	mock.Mock
	pns.DeviceStore
}

func (m *mockStore) DeleteByToken(ctx context.Context, platform pns.Platform, token string) error {
	return m.Called(ctx, platform, token).Error(0)
}

func (m *mockStore) ExistsByToken(ctx context.Context, platform pns.Platform, token string) (bool, error) {
	args := m.Called(ctx, platform, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) UpdateToken(ctx context.Context, platform pns.Platform, oldToken, newToken string) error {
	return m.Called(ctx, platform, oldToken, newToken).Error(0)
}

func jsonResponseBody(t *testing.T, v any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(raw))}
}

func newTestDispatcher(client httpDoer, store pns.DeviceStore) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(Config{APIKey: "test-key"}, store, logger)
	d.client = client
	return d
}

func TestDispatch_NotRegisteredDeletesDevice(t *testing.T) {
	doer := new(mockDoer)
	store := new(mockStore)
	doer.On("Do", mock.Anything).Return(jsonResponseBody(t, response{
		Results: []result{{Error: "NotRegistered"}},
	}), nil)
	store.On("DeleteByToken", mock.Anything, pns.PlatformGCM, "tok-1").Return(nil)

	d := newTestDispatcher(doer, store)
	err := d.Dispatch(context.Background(), pns.DeliveryJob{
		Devices: []string{"tok-1"},
		Payload: pns.AlertEnvelope{Alert: "hi"},
	})

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestDispatch_CanonicalRewritesWhenNoCollision(t *testing.T) {
	doer := new(mockDoer)
	store := new(mockStore)
	doer.On("Do", mock.Anything).Return(jsonResponseBody(t, response{
		Results: []result{{RegistrationID: "tok-new"}},
	}), nil)
	store.On("ExistsByToken", mock.Anything, pns.PlatformGCM, "tok-new").Return(false, nil)
	store.On("UpdateToken", mock.Anything, pns.PlatformGCM, "tok-old", "tok-new").Return(nil)

	d := newTestDispatcher(doer, store)
	err := d.Dispatch(context.Background(), pns.DeliveryJob{
		Devices: []string{"tok-old"},
		Payload: pns.AlertEnvelope{Alert: "hi"},
	})

	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestDispatch_CanonicalDeletesOldOnCollision(t *testing.T) {
	doer := new(mockDoer)
	store := new(mockStore)
	doer.On("Do", mock.Anything).Return(jsonResponseBody(t, response{
		Results: []result{{RegistrationID: "tok-new"}},
	}), nil)
	store.On("ExistsByToken", mock.Anything, pns.PlatformGCM, "tok-new").Return(true, nil)
	store.On("DeleteByToken", mock.Anything, pns.PlatformGCM, "tok-old").Return(nil)

	d := newTestDispatcher(doer, store)
	err := d.Dispatch(context.Background(), pns.DeliveryJob{
		Devices: []string{"tok-old"},
		Payload: pns.AlertEnvelope{Alert: "hi"},
	})

	require.NoError(t, err)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "UpdateToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_TransportFailureIsAckAndDrop(t *testing.T) {
	doer := new(mockDoer)
	store := new(mockStore)
	doer.On("Do", mock.Anything).Return((*http.Response)(nil), errors.New("connection refused"))

	d := newTestDispatcher(doer, store)
	err := d.Dispatch(context.Background(), pns.DeliveryJob{
		Devices: []string{"tok-1"},
		Payload: pns.AlertEnvelope{Alert: "hi"},
	})

	require.NoError(t, err)
	store.AssertNotCalled(t, "DeleteByToken", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_DecodeFailureIsAckAndDrop(t *testing.T) {
	doer := new(mockDoer)
	store := new(mockStore)
	doer.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte("not json"))),
	}, nil)

	d := newTestDispatcher(doer, store)
	err := d.Dispatch(context.Background(), pns.DeliveryJob{
		Devices: []string{"tok-1"},
		Payload: pns.AlertEnvelope{Alert: "hi"},
	})

	require.NoError(t, err)
}

func TestBuildRequest_DuplicatesAlertIntoData(t *testing.T) {
	req := buildRequest([]string{"t1"}, pns.AlertEnvelope{Alert: "hello", Data: map[string]interface{}{"x": "y"}})
	require.Equal(t, "hello", req.Data["alert"])
	require.Equal(t, "y", req.Data["x"])
}

func TestResolveTTL(t *testing.T) {
	valid := int64(3600)
	tooLarge := int64(maxTTLSeconds + 1)
	negative := int64(-1)
	zero := int64(0)
	atMax := int64(maxTTLSeconds)

	require.Equal(t, defaultTTLSeconds, resolveTTL(nil))
	require.Equal(t, 3600, resolveTTL(&valid))
	require.Equal(t, defaultTTLSeconds, resolveTTL(&tooLarge))
	require.Equal(t, defaultTTLSeconds, resolveTTL(&negative))
	require.Equal(t, defaultTTLSeconds, resolveTTL(&zero))
	require.Equal(t, maxTTLSeconds, resolveTTL(&atMax))
}
