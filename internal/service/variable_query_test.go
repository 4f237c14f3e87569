package service

import (
	"testing"

	"github.com/dushixiang/dashrun/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateVariableQuery(t *testing.T) {
	tests := []struct {
		query string
		want  variableQuery
	}{
		{`label_values(up{job="api", env="prod"}, instance)`, variableQuery{`group by (instance) (up{job="api", env="prod"})`, "instance"}},
		{`label_values(job)`, variableQuery{`group by (job) ({job!=""})`, "job"}},
		{`label_names()`, variableQuery{`group by (__name__) ({__name__!=""})`, "__name__"}},
		{`query_result(topk(5, up))`, variableQuery{`topk(5, up)`, ""}},
		{`SELECT DISTINCT host FROM hosts`, variableQuery{`SELECT DISTINCT host FROM hosts`, ""}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, translateVariableQuery(tt.query), tt.query)
	}
}

func TestExtractVariableValuesFromTable(t *testing.T) {
	raw := backend.RawResult{FramesPresent: true, Frames: []backend.Frame{{
		Fields:  []backend.Field{{Name: "count", Type: backend.FieldNumber}, {Name: "host", Type: backend.FieldLabel}},
		Columns: [][]any{{1.0, 2.0, 3.0}, {"b", "a", "b"}},
	}}}
	values, err := ExtractVariableValues(raw, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, values)
}

func TestExtractVariableValuesByLabel(t *testing.T) {
	raw := backend.RawResult{FramesPresent: true, Frames: []backend.Frame{
		seriesFrame(map[string]string{"instance": "i1"}, 1, 1),
		seriesFrame(map[string]string{"instance": "i2"}, 1, 1),
		seriesFrame(map[string]string{"other": "x"}, 1, 1),
	}}
	values, err := ExtractVariableValues(raw, "instance")
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, values)
}

func TestExtractVariableValuesError(t *testing.T) {
	_, err := ExtractVariableValues(backend.RawResult{Error: "boom"}, "")
	assert.ErrorContains(t, err, "boom")
}
