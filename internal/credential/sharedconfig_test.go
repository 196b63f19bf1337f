package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
)

func TestUpsertLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		changed bool
	}{
		{
			name:    "replaces existing line in place",
			content: "A=1\nKEY=old\nB=2\n",
			want:    "A=1\nKEY=new\nB=2\n",
			changed: true,
		},
		{
			name:    "appends when absent",
			content: "A=1\nB=2\n",
			want:    "A=1\nB=2\nKEY=new\n",
			changed: true,
		},
		{
			name:    "appends without adding a trailing newline",
			content: "A=1\nB=2",
			want:    "A=1\nB=2\nKEY=new",
			changed: true,
		},
		{
			name:    "empty file",
			content: "",
			want:    "KEY=new\n",
			changed: true,
		},
		{
			name:    "later duplicates are dropped",
			content: "KEY=one\nA=1\nKEY=two\n",
			want:    "KEY=new\nA=1\n",
			changed: true,
		},
		{
			name:    "prefix of another key does not match",
			content: "KEY_OLD=x\nMYKEY=y\n",
			want:    "KEY_OLD=x\nMYKEY=y\nKEY=new\n",
			changed: true,
		},
		{
			name:    "indented line matches",
			content: "  KEY=old\n",
			want:    "KEY=new\n",
			changed: true,
		},
		{
			name:    "crlf endings are preserved",
			content: "A=1\r\nKEY=old\r\n",
			want:    "A=1\r\nKEY=new\r\n",
			changed: true,
		},
		{
			name:    "crlf append",
			content: "A=1\r\n",
			want:    "A=1\r\nKEY=new\r\n",
			changed: true,
		},
		{
			name:    "already current",
			content: "# comment\nKEY=new\n",
			want:    "# comment\nKEY=new\n",
			changed: false,
		},
		{
			name:    "comments and blank lines untouched",
			content: "# KEY=commented\n\nKEY=old\n",
			want:    "# KEY=commented\n\nKEY=new\n",
			changed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := UpsertLine(tt.content, "KEY", "new")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestUpdateSharedConfig(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		_, err := UpdateSharedConfig(path, "KEY", "v")
		var nf *schemas.NotFoundError
		require.ErrorAs(t, err, &nf)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("rejects multi-line values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		_, err := UpdateSharedConfig(path, "KEY", "a\nINJECTED=1")
		assert.Error(t, err)
	})

	t.Run("unchanged file is not rewritten", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("KEY=v\n"), 0o600))
		changed, err := UpdateSharedConfig(path, "KEY", "v")
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("directory is rejected", func(t *testing.T) {
		_, err := UpdateSharedConfig(t.TempDir(), "KEY", "v")
		assert.Error(t, err)
	})
}
