package job

import (
	"os"
	"path/filepath"
	"testing"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDevelopmentTask(t *testing.T) {
	raw := []byte(`{"type":"development_task","module":"cart","intent":"add coupon field","constraints":["no new deps"],"priority":"high","origin":"planner"}`)
	j, err := Decode("20260101_cart", raw)
	require.NoError(t, err)

	assert.Equal(t, KindDevelopmentTask, j.Kind())
	assert.Equal(t, "cart", j.Module())
	assert.Equal(t, "add coupon field", j.Intent())
	assert.Equal(t, []string{"no new deps"}, j.Constraints)
	assert.Equal(t, "high", j.Priority)
	assert.Len(t, j.Fingerprint, 64)
}

func TestDecodeOpsTask(t *testing.T) {
	raw := []byte(`{"type":"ops_task","ops":[
		{"op":"write_file","path":"src/a.ts","content":"x"},
		{"op":"replace_in_file","path":"src/b.ts","find":"old","replace":"new","must_exist":true},
		{"op":"write_file","path":"src/a.ts","content":"y"}]}`)
	j, err := Decode("ops1", raw)
	require.NoError(t, err)

	task, ok := j.Task.(OpsTask)
	require.True(t, ok)
	require.Len(t, task.Ops, 3)
	assert.Equal(t, WriteFile{Path: "src/a.ts", Content: "x"}, task.Ops[0])
	assert.Equal(t, ReplaceInFile{Path: "src/b.ts", Find: "old", Replace: "new", MustExist: true}, task.Ops[1])
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, task.Touched())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":        []byte(`{nope`),
		"unknown type":    []byte(`{"type":"deploy"}`),
		"missing intent":  []byte(`{"type":"development_task","module":"cart"}`),
		"empty ops":       []byte(`{"type":"ops_task","ops":[]}`),
		"unknown op":      []byte(`{"type":"ops_task","ops":[{"op":"delete_file","path":"a"}]}`),
		"replace no find": []byte(`{"type":"ops_task","ops":[{"op":"replace_in_file","path":"a","replace":"b"}]}`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("bad", raw)
			require.Error(t, err)
			assert.Equal(t, herrors.EMalformedJob, herrors.CodeOf(err))
		})
	}
}

func TestDecodeRejectsUnsafeID(t *testing.T) {
	_, err := Decode("../escape", []byte(`{"type":"development_task","module":"m","intent":"i"}`))
	require.Error(t, err)
	assert.True(t, herrors.Is(err, herrors.EMalformedJob))
}

func TestFingerprintIgnoresKeyOrderAndMetadata(t *testing.T) {
	a, err := Decode("a", []byte(`{"type":"ops_task","module":"m","intent":"i","ops":[{"op":"write_file","path":"p","content":"c"}]}`))
	require.NoError(t, err)
	b, err := Decode("b", []byte(`{"ops":[{"content":"c","path":"p","op":"write_file"}],"intent":"i","priority":"low","module":"m","type":"ops_task"}`))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	c, err := Decode("c", []byte(`{"type":"ops_task","module":"m","intent":"i","ops":[{"op":"write_file","path":"p","content":"d"}]}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestEncodeRoundTripKeepsFingerprint(t *testing.T) {
	j := Job{
		ID:   "enc",
		Task: OpsTask{Module: "cart", Ops: []Operation{ReplaceInFile{Path: "src/x.ts", Find: "a", Replace: "b"}}},
	}
	raw, err := Encode(j)
	require.NoError(t, err)

	decoded, err := Decode("enc", raw)
	require.NoError(t, err)
	assert.Equal(t, decoded.Fingerprint, decoded.DeclaredFingerprint)
	assert.Equal(t, j.Task, decoded.Task)
}

func TestLoadUsesFileStemAsID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20260315_101500_ab12.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"development_task","module":"m","intent":"i"}`), 0o600))

	j, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "20260315_101500_ab12", j.ID)
}
