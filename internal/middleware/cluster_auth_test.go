package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterAuthHandler(secret string, called *bool, gotNode *string) http.Handler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if id, ok := r.Context().Value(ClusterNodeKey).(string); ok {
			*gotNode = id
		}
		w.WriteHeader(http.StatusOK)
	})
	return ClusterAuth(secret, logrus.NewEntry(logger))(next)
}

func TestClusterAuthValidSignature(t *testing.T) {
	var called bool
	var gotNode string
	handler := clusterAuthHandler("secret-1", &called, &gotNode)

	req := httptest.NewRequest("POST", "/cluster/v1/gossip", nil)
	SignClusterRequest(req, "node-a", "secret-1")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, called)
	assert.Equal(t, "node-a", gotNode)
}

func TestClusterAuthMissingHeaders(t *testing.T) {
	var called bool
	var gotNode string
	handler := clusterAuthHandler("secret-1", &called, &gotNode)

	req := httptest.NewRequest("POST", "/cluster/v1/gossip", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called)
}

func TestClusterAuthWrongSecret(t *testing.T) {
	var called bool
	var gotNode string
	handler := clusterAuthHandler("secret-1", &called, &gotNode)

	req := httptest.NewRequest("POST", "/cluster/v1/relay", nil)
	SignClusterRequest(req, "node-a", "other-secret")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called)
}

func TestClusterAuthSignatureBoundToPath(t *testing.T) {
	var called bool
	var gotNode string
	handler := clusterAuthHandler("secret-1", &called, &gotNode)

	// Sign one path, replay against another.
	signed := httptest.NewRequest("POST", "/cluster/v1/gossip", nil)
	SignClusterRequest(signed, "node-a", "secret-1")

	req := httptest.NewRequest("POST", "/cluster/v1/relay", nil)
	req.Header = signed.Header.Clone()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called)
}

func TestClusterAuthStaleTimestamp(t *testing.T) {
	var called bool
	var gotNode string
	handler := clusterAuthHandler("secret-1", &called, &gotNode)

	req := httptest.NewRequest("POST", "/cluster/v1/gossip", nil)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req.Header.Set(HeaderNodeID, "node-a")
	req.Header.Set(HeaderTimestamp, stale)
	req.Header.Set(HeaderNonce, "n1")
	req.Header.Set(HeaderSignature, ClusterSignature("secret-1", "POST", "/cluster/v1/gossip", stale, "n1"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, called)
}

func TestClusterSignatureDeterministic(t *testing.T) {
	a := ClusterSignature("s", "POST", "/p", "100", "n")
	b := ClusterSignature("s", "POST", "/p", "100", "n")
	c := ClusterSignature("s", "POST", "/p", "100", "m")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
