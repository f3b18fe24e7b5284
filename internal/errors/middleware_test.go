package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/domain"
)

func invokeMiddleware(t *testing.T, handlerErr error) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := Middleware()(func(echo.Context) error {
		return handlerErr
	})
	return rec, handler(c)
}

func TestMiddleware_StructuredError(t *testing.T) {
	HTTPErrorsTotal.Reset()

	rec, err := invokeMiddleware(t, ValidationError("invalid input"))
	require.NoError(t, err) // handled, not propagated

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid input", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)

	assert.Equal(t, 1.0, counterValue(t, HTTPErrorsTotal.WithLabelValues("validation")))
}

func TestMiddleware_DomainErrorsAreClassified(t *testing.T) {
	rec, err := invokeMiddleware(t, fmt.Errorf("load metric: %w", domain.ErrMetricNotFound))
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, TypeNotFound, resp.Type)
}

func TestMiddleware_UnknownErrorStaysOpaque(t *testing.T) {
	rec, err := invokeMiddleware(t, fmt.Errorf("secret connection string leaked"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestMiddleware_EchoHTTPErrorPassesThrough(t *testing.T) {
	echoErr := echo.NewHTTPError(http.StatusNotFound, "route not found")
	_, err := invokeMiddleware(t, echoErr)

	// Echo's default handler owns these; the middleware only counts them.
	assert.Equal(t, echoErr, err)
}

func TestMiddleware_NoErrorNoResponseBody(t *testing.T) {
	rec, err := invokeMiddleware(t, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.Body.String())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
