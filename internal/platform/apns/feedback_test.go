package apns

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turksat-oss/pns-dispatch/pkg/pns"
)

var testCert = tls.Certificate{}

func TestReadFeedbackStream(t *testing.T) {
	when := time.Unix(1700000000, 0)
	token := "deadbeef"
	var buf bytes.Buffer
	header := make([]byte, 6)
	binary.BigEndian.PutUint32(header[0:4], uint32(when.Unix()))
	binary.BigEndian.PutUint16(header[4:6], 4)
	buf.Write(header)
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef})

	tuples, err := readFeedbackStream(&buf)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	require.Equal(t, token, tuples[0].Token)
	require.Equal(t, when, tuples[0].FailedAt)
}

func TestReadFeedbackStream_StopsOnPartialRecord(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 1, 0, 4, 0xde, 0xad})
	tuples, err := readFeedbackStream(buf)
	require.Error(t, err)
	require.Empty(t, tuples)
}

type feedbackMockStore struct {
	mock.Mock
	pns.DeviceStore
}

func (m *feedbackMockStore) FindByToken(ctx context.Context, platform pns.Platform, token string) (*pns.Device, error) {
	args := m.Called(ctx, platform, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pns.Device), args.Error(1)
}

func (m *feedbackMockStore) DeleteByToken(ctx context.Context, platform pns.Platform, token string) error {
	args := m.Called(ctx, platform, token)
	return args.Error(0)
}

func newTestFeedbackTask(store pns.DeviceStore) *FeedbackTask {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFeedbackTask(testCert, false, store, logger)
}

func TestReconcile_StaleDeviceDeleted(t *testing.T) {
	failedAt := time.Unix(1700000000, 0)
	store := new(feedbackMockStore)
	store.On("FindByToken", mock.Anything, pns.PlatformAPNS, "tok").Return(&pns.Device{
		UpdatedAt: failedAt.Add(-time.Hour),
	}, nil)
	store.On("DeleteByToken", mock.Anything, pns.PlatformAPNS, "tok").Return(nil)

	task := newTestFeedbackTask(store)
	err := task.reconcile(context.Background(), feedbackTuple{Token: "tok", FailedAt: failedAt})
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestReconcile_ReregisteredDeviceKept(t *testing.T) {
	failedAt := time.Unix(1700000000, 0)
	store := new(feedbackMockStore)
	store.On("FindByToken", mock.Anything, pns.PlatformAPNS, "tok").Return(&pns.Device{
		UpdatedAt: failedAt.Add(time.Hour),
	}, nil)

	task := newTestFeedbackTask(store)
	err := task.reconcile(context.Background(), feedbackTuple{Token: "tok", FailedAt: failedAt})
	require.NoError(t, err)
	store.AssertNotCalled(t, "DeleteByToken", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_ZeroUpdatedAtDeleted(t *testing.T) {
	store := new(feedbackMockStore)
	store.On("FindByToken", mock.Anything, pns.PlatformAPNS, "tok").Return(&pns.Device{}, nil)
	store.On("DeleteByToken", mock.Anything, pns.PlatformAPNS, "tok").Return(nil)

	task := newTestFeedbackTask(store)
	err := task.reconcile(context.Background(), feedbackTuple{Token: "tok", FailedAt: time.Unix(1700000000, 0)})
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestReconcile_UnknownDeviceIsNoop(t *testing.T) {
	store := new(feedbackMockStore)
	store.On("FindByToken", mock.Anything, pns.PlatformAPNS, "gone").Return(nil, nil)

	task := newTestFeedbackTask(store)
	err := task.reconcile(context.Background(), feedbackTuple{Token: "gone", FailedAt: time.Now()})
	require.NoError(t, err)
	store.AssertNotCalled(t, "DeleteByToken", mock.Anything, mock.Anything, mock.Anything)
}
