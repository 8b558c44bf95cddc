package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSchemaList(t *testing.T) {
	for _, schema := range SchemaList() {
		schema := schema
		t.Run(schema, func(t *testing.T) {
			_, err := Compile(schema)
			require.NoError(t, err)
		})
	}
}

func TestValidateJob(t *testing.T) {
	valid := []string{
		`{"type":"development_task","module":"cart","intent":"persist cart","constraints":["layout intocado"],"priority":"high","origin":"planner"}`,
		`{"type":"ops_task","module":"cart","ops":[{"op":"write_file","path":"src/cart/a.ts","content":"x"}]}`,
		`{"type":"ops_task","ops":[{"op":"replace_in_file","path":"src/a.ts","find":"a","replace":"b","must_exist":true}]}`,
	}
	for _, raw := range valid {
		assert.NoError(t, ValidateBytes(JobSchemaRel, []byte(raw)), raw)
	}

	invalid := []string{
		`{"module":"cart"}`,
		`{"type":"deploy"}`,
		`{"type":"development_task","intent":"no module"}`,
		`{"type":"ops_task","ops":[]}`,
		`{"type":"ops_task","ops":[{"op":"write_file","path":"a.ts"}]}`,
		`{"type":"ops_task","ops":[{"op":"replace_in_file","path":"a.ts","find":"","replace":"b"}]}`,
		`{"type":"ops_task","ops":[{"op":"delete_file","path":"a.ts"}]}`,
		`not json`,
	}
	for _, raw := range invalid {
		assert.Error(t, ValidateBytes(JobSchemaRel, []byte(raw)), raw)
	}
}

func TestValidateApprovalToken(t *testing.T) {
	assert.NoError(t, ValidateBytes(ApprovalTokenSchemaRel, []byte(`{"job_id":"20260101_000000_ab12cd34","approved_by":"ops","approved_at":"2026-01-01T00:00:00Z"}`)))
	assert.Error(t, ValidateBytes(ApprovalTokenSchemaRel, []byte(`{"job_id":"../x","approved_at":"2026-01-01T00:00:00Z"}`)))
}

func TestNormalizeSchemaRelRejectsEscapes(t *testing.T) {
	for _, rel := range []string{".", "/abs.json", "..", "../x.json", "a/../../x.json"} {
		_, err := normalizeSchemaRel(rel)
		assert.Error(t, err, rel)
	}
}
