package jobxapi_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := jobxapi.NewTokenService("secret", time.Hour)

	token, err := svc.Issue("ops", jobxapi.ScopeRead)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasScope(jobxapi.ScopeRead))
	assert.False(t, claims.HasScope(jobxapi.ScopeWrite))
}

func TestTokenRejected(t *testing.T) {
	svc := jobxapi.NewTokenService("secret", time.Hour)

	other, err := jobxapi.NewTokenService("other", time.Hour).Issue("ops")
	require.NoError(t, err)
	_, err = svc.Validate(other)
	assert.True(t, errx.HasCode(err, jobxapi.ErrUnauthorized))

	expired, err := jobxapi.NewTokenService("secret", -time.Minute).Issue("ops")
	require.NoError(t, err)
	_, err = svc.Validate(expired)
	assert.True(t, errx.HasCode(err, jobxapi.ErrUnauthorized))

	_, err = svc.Validate("not-a-token")
	assert.True(t, errx.HasCode(err, jobxapi.ErrUnauthorized))
}

func TestRoutesRequireScopes(t *testing.T) {
	svc := jobxapi.NewTokenService("secret", time.Hour)
	api := newTestAPI(t, svc)

	reader, err := svc.Issue("reader", jobxapi.ScopeRead)
	require.NoError(t, err)
	writer, err := svc.Issue("writer", jobxapi.ScopeRead, jobxapi.ScopeWrite)
	require.NoError(t, err)

	status, body := api.do(t, http.MethodGet, "/api/v1/jobs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, jobxapi.ErrUnauthorized.Code, body["code"])

	status, _ = api.do(t, http.MethodGet, "/api/v1/jobs", nil, reader)
	assert.Equal(t, http.StatusOK, status)

	job := map[string]any{"function": "add"}
	status, body = api.do(t, http.MethodPost, "/api/v1/jobs", job, reader)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, jobxapi.ErrForbidden.Code, body["code"])

	status, _ = api.do(t, http.MethodPost, "/api/v1/jobs", job, writer)
	assert.Equal(t, http.StatusCreated, status)

	status, _ = api.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
}
