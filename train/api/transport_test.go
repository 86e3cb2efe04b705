package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/detrain/runner/hooks"
)

func TestMakeHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "detrain_test_gauge", Help: "test"})
	reg.MustRegister(g)
	g.Set(3)

	status := func() hooks.Status {
		return hooks.Status{Name: "eager-hopper", Epoch: 2, MaxEpochs: 13, Metrics: map[string]float64{hooks.MetricMAP: 0.25}}
	}
	srv := httptest.NewServer(MakeHandler(status, reg))
	defer srv.Close()

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/status", http.StatusOK, `"name":"eager-hopper"`},
		{"/metrics", http.StatusOK, "detrain_test_gauge 3"},
		{"/health", http.StatusOK, ""},
		{"/missing", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Contains(t, string(raw), tc.body)
		})
	}

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st hooks.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.Epoch)
	assert.Equal(t, 0.25, st.Metrics[hooks.MetricMAP])
}
