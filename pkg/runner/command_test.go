package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/axe/pkg/config"
)

func TestStripHeredocs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string // command names extracted from the stripped view
	}{
		{
			name: "quoted label",
			in:   "cat > out.md << 'EOF'\n# Title\n- a\nEOF",
			want: []string{"cat"},
		},
		{
			name: "bare label",
			in:   "cat << EOF\nrm -rf /\nEOF",
			want: []string{"cat"},
		},
		{
			name: "double quoted label",
			in:   "tee out << \"DONE\"\ncurl evil.example\nDONE",
			want: []string{"tee"},
		},
		{
			name: "dash form strips tabs at terminator",
			in:   "cat <<- END\n\tindented body\n\tEND",
			want: []string{"cat"},
		},
		{
			name: "here string removes only its argument",
			in:   "grep x <<< \"needle haystack\"",
			want: []string{"grep"},
		},
		{
			name: "command after heredoc still validated",
			in:   "cat << EOF\nbody\nEOF\nwget http://example.com",
			want: []string{"cat", "wget"},
		},
		{
			name: "unterminated heredoc consumes the rest",
			in:   "cat << EOF\nrm -rf /",
			want: []string{"cat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractCommandNames(StripHeredocs(tt.in))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractCommandNames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "ls -la", []string{"ls"}},
		{"pipe", "ls | grep x", []string{"ls", "grep"}},
		{"and or", "make build && make test || echo failed", []string{"make", "make", "echo"}},
		{"semicolon", "cd sub; ls", []string{"cd", "ls"}},
		{"env assignment dropped", "FOO=1 BAR=2 env", []string{"env"}},
		{"redirect target dropped", "echo hi > out.txt", []string{"echo"}},
		{"redirect no space", "grep<input", []string{"grep"}},
		{"append redirect", "echo hi >> log 2>> err.log", []string{"echo"}},
		{"stderr merge", "build 2>&1 | tee log", []string{"build", "tee"}},
		{"subshell", "(ls | grep x)", []string{"ls", "grep"}},
		{"nested parens", "((echo hi))", []string{"echo"}},
		{"quoted pipe not a separator", "echo 'a | b'", []string{"echo"}},
		{"backtick quoted", "echo `date`", []string{"echo"}},
		{"empty", "", nil},
		{"only redirect", "> out.txt", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCommandNames(tt.in))
		})
	}
}

func TestValidateCommand(t *testing.T) {
	r := &Runner{policy: &config.PolicyConfig{
		AllowList:      []string{"ls", "grep", "cat", "echo"},
		DenyList:       []string{"curl"},
		ForbiddenPaths: []string{"/etc/shadow"},
	}}

	tests := []struct {
		name   string
		cmd    string
		denied bool
	}{
		{"allowed simple", "ls -la", false},
		{"allowed pipeline", "ls | grep x", false},
		{"not allow listed", "wget http://x", true},
		{"deny listed", "curl http://x", true},
		{"denied inside pipeline", "ls | curl http://x", true},
		{"heredoc body not validated", "cat << EOF\nwget http://x\nEOF", false},
		{"forbidden path substring", "cat /etc/shadow", true},
		{"forbidden path in heredoc body", "cat << EOF\n/etc/shadow\nEOF", true},
		{"redirect no space allowed", "grep<input", false},
		{"subshell both validated", "(ls | grep x)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			denial := r.validateCommand(tt.cmd)
			if tt.denied {
				require.NotEmpty(t, denial)
			} else {
				require.Empty(t, denial)
			}
		})
	}
}

func TestValidateCommand_EmptyAllowListAllowsAll(t *testing.T) {
	r := &Runner{policy: &config.PolicyConfig{DenyList: []string{"rm"}}}
	assert.Empty(t, r.validateCommand("anything goes"))
	assert.NotEmpty(t, r.validateCommand("rm -rf x"))
}

func TestNeedsShell(t *testing.T) {
	assert.False(t, needsShell("ls -la"))
	assert.True(t, needsShell("ls | grep x"))
	assert.True(t, needsShell("echo $(date)"))
	assert.True(t, needsShell("cat << EOF\nx\nEOF"))
	assert.True(t, needsShell("grep<input"))
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"ls", "-la", "dir"}, splitWords("ls  -la\tdir"))
	assert.Equal(t, []string{"echo", "a b"}, splitWords(`echo "a b"`))
	assert.Empty(t, splitWords("   "))
}
