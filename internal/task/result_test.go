package task_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Arbiter/internal/task"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     bool
	}{
		{"empty", "", false},
		{"blank", " \n\t", false},
		{"garbage", "Cannot open file", false},
		{"truncated", `{"a":`, false},
		{"object", `{"a":1}` + "\n", true},
		{"array", `[1,2]`, true},
		{"string", `"x"`, true},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			doc := task.ParseDocument(tt.given)
			require.Equal(t, tt.then, doc.Valid())
			if !tt.then {
				var v any
				require.ErrorIs(t, doc.Decode(&v), task.ErrInvalidDocument)
				require.Equal(t, "<invalid>", doc.String())
				require.Nil(t, doc.Raw())
			}
		})
	}
}

func TestDocumentGet(t *testing.T) {
	t.Parallel()
	doc := task.ParseDocument(`{"core":{"offset":4096,"addr":"0x2000","file":"a.bin"},"list":[1]}`)

	off, err := doc.Get("core", "offset").Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(4096), off)

	addr, err := doc.Get("core", "addr").Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), addr)

	require.Equal(t, "a.bin", doc.Get("core", "file").String())
	require.Equal(t, `{"offset":4096,"addr":"0x2000","file":"a.bin"}`, doc.Get("core").String())
	require.False(t, doc.Get("list", "0").Valid())
	require.False(t, doc.Get("missing").Valid())

	var list []int
	require.NoError(t, doc.Get("list").Decode(&list))
	require.Equal(t, []int{1}, list)

	_, err = doc.Get("core", "file").Uint64()
	require.Error(t, err)
}
