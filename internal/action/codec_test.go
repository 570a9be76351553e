package action

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/models"
)

func TestNormalize(t *testing.T) {
	codec := NewCodec(64)

	tests := []struct {
		name    string
		raw     string
		want    models.Action
		wantErr string
	}{
		{
			name: "code action",
			raw:  `{"type": "code", "code": "import pyautogui; pyautogui.click(10, 20)", "pause": 1.5}`,
			want: models.Action{Kind: models.ActionCode, Code: "import pyautogui; pyautogui.click(10, 20)", PauseSeconds: 1.5},
		},
		{
			name: "code action default pause",
			raw:  `{"type": "code", "code": "pyautogui.press('enter')"}`,
			want: models.Action{Kind: models.ActionCode, Code: "pyautogui.press('enter')", PauseSeconds: 0.5},
		},
		{
			name: "wait",
			raw:  `{"type": "special", "name": "WAIT", "pause": 0.8}`,
			want: models.Action{Kind: models.ActionControl, Signal: models.SignalWait, PauseSeconds: 0.8},
		},
		{
			name: "done lower case",
			raw:  `{"type": "special", "name": "done", "pause": 0}`,
			want: models.Action{Kind: models.ActionControl, Signal: models.SignalDone, PauseSeconds: 0},
		},
		{
			name: "fail with type in caps",
			raw:  `{"type": "SPECIAL", "name": "FAIL"}`,
			want: models.Action{Kind: models.ActionControl, Signal: models.SignalFail, PauseSeconds: 0.5},
		},
		{
			name: "trailing comma is repaired",
			raw:  `{"type": "special", "name": "DONE",}`,
			want: models.Action{Kind: models.ActionControl, Signal: models.SignalDone, PauseSeconds: 0.5},
		},
		{
			name:    "empty body",
			raw:     "   ",
			wantErr: "empty reply",
		},
		{
			name:    "array body",
			raw:     `[1, 2]`,
			wantErr: "not an action object",
		},
		{
			name:    "missing type",
			raw:     `{"code": "x"}`,
			wantErr: "unknown action type",
		},
		{
			name:    "unknown type",
			raw:     `{"type": "mouse", "x": 1}`,
			wantErr: "unknown action type",
		},
		{
			name:    "empty code",
			raw:     `{"type": "code", "code": "  "}`,
			wantErr: "empty payload",
		},
		{
			name:    "missing code",
			raw:     `{"type": "code"}`,
			wantErr: "empty payload",
		},
		{
			name:    "code too long",
			raw:     `{"type": "code", "code": "` + strings.Repeat("a", 65) + `"}`,
			wantErr: "exceeds limit of 64",
		},
		{
			name:    "unknown control signal",
			raw:     `{"type": "special", "name": "RESTART"}`,
			wantErr: "unknown control signal",
		},
		{
			name:    "special without name",
			raw:     `{"type": "special"}`,
			wantErr: "no name",
		},
		{
			name:    "negative pause",
			raw:     `{"type": "special", "name": "WAIT", "pause": -1}`,
			wantErr: "invalid pause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Normalize([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsCodecError(err), "expected CodecError, got %T", err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	codec := NewCodec(0)
	raw := []byte(`{"type": "code", "code": "pyautogui.scroll(-400)", "pause": 0.5}`)

	first, err := codec.Normalize(raw)
	require.NoError(t, err)
	for range 10 {
		again, err := codec.Normalize(raw)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNewCodecDefaultLimit(t *testing.T) {
	assert.Equal(t, DefaultMaxCodeLength, NewCodec(0).MaxCodeLength)
	assert.Equal(t, 10, NewCodec(10).MaxCodeLength)
}
