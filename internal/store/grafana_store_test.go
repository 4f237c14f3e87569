package store

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carlmjohnson/requests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testGrafana struct {
	url string
}

func (g testGrafana) Request(path string) *requests.Builder {
	return requests.URL(g.url + path)
}

func TestGrafanaStore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/dashboards/uid/node":
			_, _ = io.WriteString(w, `{"meta": {"slug": "node"}, "dashboard": {"uid": "node", "title": "Node", "panels": [
				{"id": 1, "type": "stat", "targets": [{"refId": "A", "expr": "up"}]}
			]}}`)
		case "/api/dashboards/uid/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message": "Dashboard not found"}`)
		}
	}))
	defer server.Close()

	s := NewGrafanaStore(zap.NewNop(), testGrafana{url: server.URL})
	ctx := context.Background()

	dashboard, err := s.GetDashboard(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, "Node", dashboard.Title)
	require.Len(t, dashboard.Panels, 1)
	assert.Equal(t, "up", dashboard.Panels[0].Targets[0].Expr)

	_, err = s.GetDashboard(ctx, "missing")
	assert.ErrorIs(t, err, ErrDashboardNotFound)

	_, err = s.GetDashboard(ctx, "broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDashboardNotFound)
}
