package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/models"
)

type fakeGateway struct {
	responses []fakeGatewayResponse
	calls     int
}

type fakeGatewayResponse struct {
	status      int
	contentType string
	body        []byte
	err         error
}

func (g *fakeGateway) Post(ctx context.Context, targetURL string, body []byte, timeout time.Duration) (int, string, []byte, error) {
	if g.calls >= len(g.responses) {
		return 0, "", nil, fmt.Errorf("fakeGateway: no more scripted responses")
	}
	r := g.responses[g.calls]
	g.calls++
	return r.status, r.contentType, r.body, r.err
}

func newExecutorForFileTests(gw *fakeGateway) *Executor {
	return &Executor{
		Gateway:        gw,
		RequestTimeout: time.Second,
		Logger:         common.NewSilentLogger(),
	}
}

func TestEvaluateFileBlobFetchFailure(t *testing.T) {
	e := newExecutorForFileTests(&fakeGateway{})
	e.Blobs = &blobStoreStub{err: errors.New("object missing")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "missing-key"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.Nil(t, result.ModelOutput)
	require.Contains(t, result.Error, models.ErrBlobDownloadFailed)
}

func TestEvaluateFileValidPrediction(t *testing.T) {
	gw := &fakeGateway{responses: []fakeGatewayResponse{
		{status: 200, contentType: "application/json", body: []byte(`{"result":1}`)},
	}}
	e := newExecutorForFileTests(gw)
	e.Blobs = &blobStoreStub{data: []byte("MZ")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "key-1"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.NotNil(t, result.ModelOutput)
	require.Equal(t, 1, *result.ModelOutput)
	require.Empty(t, result.Error)
}

func TestEvaluateFileInvalidPrediction(t *testing.T) {
	gw := &fakeGateway{responses: []fakeGatewayResponse{
		{status: 200, contentType: "application/json", body: []byte(`{"result":2}`)},
	}}
	e := newExecutorForFileTests(gw)
	e.Blobs = &blobStoreStub{data: []byte("MZ")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "key-1"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.Nil(t, result.ModelOutput)
	require.Contains(t, result.Error, models.ErrInvalidPrediction)
}

func TestEvaluateFileHTTPStatusError(t *testing.T) {
	gw := &fakeGateway{responses: []fakeGatewayResponse{
		{status: 500, body: []byte("internal error")},
	}}
	e := newExecutorForFileTests(gw)
	e.Blobs = &blobStoreStub{data: []byte("MZ")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "key-1"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.Nil(t, result.ModelOutput)
	require.Contains(t, result.Error, "http 500")
}

func TestEvaluateFileRetriesOnceOnConnectionError(t *testing.T) {
	connErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	gw := &fakeGateway{responses: []fakeGatewayResponse{
		{err: connErr},
		{status: 200, contentType: "application/json", body: []byte(`{"result":0}`)},
	}}
	e := newExecutorForFileTests(gw)
	e.Blobs = &blobStoreStub{data: []byte("MZ")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "key-1"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.NotNil(t, result.ModelOutput)
	require.Equal(t, 0, *result.ModelOutput)
	require.Equal(t, 2, gw.calls)
}

func TestEvaluateFileTimeoutIsNotRetried(t *testing.T) {
	gw := &fakeGateway{responses: []fakeGatewayResponse{
		{err: timeoutError{}},
	}}
	e := newExecutorForFileTests(gw)
	e.Blobs = &blobStoreStub{data: []byte("MZ")}
	s := &phaseState{gatewayURL: "http://defense:8080/", logger: common.NewSilentLogger()}
	f := &models.AttackFile{ID: "f1", ObjectKey: "key-1"}

	result := e.evaluateFile(context.Background(), s, "run-1", f)

	require.Nil(t, result.ModelOutput)
	require.Equal(t, models.ErrHTTPTimeout, result.Error)
	require.Equal(t, 1, gw.calls)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "context deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type blobStoreStub struct {
	data []byte
	err  error
}

func (b *blobStoreStub) Get(ctx context.Context, key string) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.data, nil
}

func (b *blobStoreStub) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

func (b *blobStoreStub) Put(ctx context.Context, key string, data []byte) error {
	return fmt.Errorf("not implemented")
}
