package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	name := "test_counter_" + t.Name()
	assert.Equal(t, int64(0), Get(name))

	Inc(name)
	Add(name, 4)
	assert.Equal(t, int64(5), Get(name))
	assert.Equal(t, int64(5), Snapshot()[name])
}

func TestHandler(t *testing.T) {
	name := "test_handler_" + t.Name()
	Add(name, 7)

	rec := httptest.NewRecorder()
	Handler(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]int64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(7), got[name])
}
