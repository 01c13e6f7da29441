package obsmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sinkholed/sinkholed/internal/config"
)

type fakeDumpSource struct {
	out string
	err error
}

func (f fakeDumpSource) Dump(w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := io.WriteString(w, f.out)
	return err
}

func TestNewDisabledReturnsNoopProvider(t *testing.T) {
	telem, err := New(context.Background(), &config.Telemetry{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, telem)

	metrics, err := telem.InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.NotPanics(t, func() {
		metrics.QueriesTotal.Add(context.Background(), 1)
		metrics.QueryDuration.Record(context.Background(), 0.01)
	})
}

func TestShutdownWithoutServerIsNoop(t *testing.T) {
	telem, err := New(context.Background(), &config.Telemetry{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, telem.Shutdown(context.Background()))
}

func TestInitMetricsRegistersEveryInstrument(t *testing.T) {
	telem, err := New(context.Background(), &config.Telemetry{Enabled: false}, nil)
	require.NoError(t, err)

	metrics, err := telem.InitMetrics()
	require.NoError(t, err)

	assert.NotNil(t, metrics.QueriesTotal)
	assert.NotNil(t, metrics.QueryDuration)
	assert.NotNil(t, metrics.CensorScrubsTotal)
	assert.NotNil(t, metrics.CensorLearnTotal)
	assert.NotNil(t, metrics.ReprocessTotal)
	assert.NotNil(t, metrics.UpstreamErrors)
	assert.NotNil(t, metrics.TrieSize)
}

func TestWithDumpRoutesSetsFieldsOnlyWhenEnabled(t *testing.T) {
	disabled := &Telemetry{}
	WithDumpRoutes(config.Dump{Enabled: false}, fakeDumpSource{}, fakeDumpSource{})(disabled)
	assert.Nil(t, disabled.whitelist)
	assert.Nil(t, disabled.blacklist)

	enabled := &Telemetry{}
	WithDumpRoutes(config.Dump{Enabled: true}, fakeDumpSource{out: "a"}, fakeDumpSource{out: "b"})(enabled)
	assert.NotNil(t, enabled.whitelist)
	assert.NotNil(t, enabled.blacklist)
}

func TestDumpHandlerWritesSourceOutput(t *testing.T) {
	telem := &Telemetry{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dump/whitelist", nil)

	telem.dumpHandler(fakeDumpSource{out: "example.com\tnull\n"}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "example.com\tnull\n", rec.Body.String())
}

func TestDumpHandlerReturnsServiceUnavailableWhenSourceNil(t *testing.T) {
	telem := &Telemetry{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/dump/whitelist", nil)

	telem.dumpHandler(nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewRegistersDumpRoutesWhenEnabled(t *testing.T) {
	telem, err := New(context.Background(), &config.Telemetry{Enabled: true, ListenAddress: "127.0.0.1:0"}, nil,
		WithDumpRoutes(config.Dump{Enabled: true}, fakeDumpSource{out: "white\n"}, fakeDumpSource{out: "black\n"}))
	require.NoError(t, err)
	defer telem.Shutdown(context.Background())

	require.NotNil(t, telem.server)
	rec := httptest.NewRecorder()
	telem.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dump/whitelist", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "white\n", rec.Body.String())
}
