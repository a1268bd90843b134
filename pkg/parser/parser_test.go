package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/axe/pkg/operation"
)

func TestParse_EmptyReply(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("Just thinking out loud, no tool calls here."))
}

func TestParse_ReadDirective(t *testing.T) {
	ops := Parse("```READ notes.md```")
	require.Len(t, ops, 1)
	assert.Equal(t, operation.Read, ops[0].Kind)
	assert.Equal(t, "notes.md", ops[0].Path)
}

func TestParse_ReadDirective_Sanitized(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```READ \"notes.md\"```", "notes.md"},
		{"```READ 'notes.md'```", "notes.md"},
		{"```READ notes.md` ```", "notes.md"},
		{"```READ ../../etc/passwd```", "../../etc/passwd"}, // traversal preserved for the runner
	}
	for _, tt := range tests {
		ops := Parse(tt.in)
		require.Len(t, ops, 1, "input %q", tt.in)
		assert.Equal(t, tt.want, ops[0].Path, "input %q", tt.in)
	}
}

func TestParse_WriteDirective(t *testing.T) {
	reply := "```WRITE out/report.md\n# Report\nbody\n```"
	ops := Parse(reply)
	require.Len(t, ops, 1)
	assert.Equal(t, operation.Write, ops[0].Kind)
	assert.Equal(t, "out/report.md", ops[0].Path)
	assert.Equal(t, "# Report\nbody\n", ops[0].Content)
}

func TestParse_AppendDirective(t *testing.T) {
	ops := Parse("```APPEND log.txt\nnew line\n```")
	require.Len(t, ops, 1)
	assert.Equal(t, operation.Append, ops[0].Kind)
}

func TestParse_WriteWithoutContentDropped(t *testing.T) {
	assert.Empty(t, Parse("```WRITE out.md```"))
}

func TestParse_ExecDirective(t *testing.T) {
	ops := Parse("```EXEC go test ./...```")
	require.Len(t, ops, 1)
	assert.Equal(t, operation.Exec, ops[0].Kind)
	assert.Equal(t, "go test ./...", ops[0].Command)
}

func TestParse_DirectiveTagsAreCaseSensitive(t *testing.T) {
	assert.Empty(t, Parse("```read notes.md```"))
	assert.Empty(t, Parse("```Exec ls```"))
}

func TestParse_ShellBlock_LinePerExec(t *testing.T) {
	reply := "```bash\n# setup\nls -la\n\ngrep foo bar.txt\n```"
	ops := Parse(reply)
	require.Len(t, ops, 2)
	assert.Equal(t, "ls -la", ops[0].Command)
	assert.Equal(t, "grep foo bar.txt", ops[1].Command)
}

func TestParse_ShellBlock_OnlyComments(t *testing.T) {
	assert.Empty(t, Parse("```bash\n# nothing to do\n# really\n```"))
}

func TestParse_ShellBlock_InlineForm(t *testing.T) {
	ops := Parse("```sh ls -la```")
	require.Len(t, ops, 1)
	assert.Equal(t, "ls -la", ops[0].Command)
}

func TestParse_ShellBlock_HeredocIsSingleExec(t *testing.T) {
	reply := "```bash\ncat > out.md << 'EOF'\n# Title\n- a\nEOF\n```"
	ops := Parse(reply)
	require.Len(t, ops, 1)
	assert.Equal(t, operation.Exec, ops[0].Kind)
	assert.Equal(t, "cat > out.md << 'EOF'\n# Title\n- a\nEOF", ops[0].Command)
}

func TestParse_ShellBlock_HereString(t *testing.T) {
	reply := "```bash\ngrep x <<< \"some input\"\necho done\n```"
	ops := Parse(reply)
	require.Len(t, ops, 1, "here-string makes the whole block one exec")
}

func TestParse_BashTag(t *testing.T) {
	ops := Parse("First <bash>ls -la</bash> then <bash>pwd</bash>.")
	require.Len(t, ops, 2)
	assert.Equal(t, "ls -la", ops[0].Command)
	assert.Equal(t, "pwd", ops[1].Command)
}

func TestParse_SimpleNamedTags(t *testing.T) {
	reply := `<read_file>src/main.go</read_file>
<shell>go vet ./...</shell>
<write_file path="doc/note.md">hello</write_file>`
	ops := Parse(reply)
	require.Len(t, ops, 3)
	assert.Equal(t, operation.Read, ops[0].Kind)
	assert.Equal(t, "src/main.go", ops[0].Path)
	assert.Equal(t, operation.Exec, ops[1].Kind)
	assert.Equal(t, operation.Write, ops[2].Kind)
	assert.Equal(t, "hello", ops[2].Content)
}

func TestParse_InvocationEnvelope(t *testing.T) {
	reply := `<function_calls>
<invoke name="cat">
<parameter name="file_path">README.md</parameter>
</invoke>
<invoke name="run_shell">
<parameter name="cmd">make build</parameter>
</invoke>
<invoke name="create_file">
<parameter name="filename">hello.txt</parameter>
<parameter name="data">hi there</parameter>
</invoke>
<invoke name="ls">
<parameter name="directory">src</parameter>
</invoke>
</function_calls>`
	ops := Parse(reply)
	require.Len(t, ops, 4)
	assert.Equal(t, operation.Read, ops[0].Kind)
	assert.Equal(t, "README.md", ops[0].Path)
	assert.Equal(t, operation.Exec, ops[1].Kind)
	assert.Equal(t, "make build", ops[1].Command)
	assert.Equal(t, operation.Write, ops[2].Kind)
	assert.Equal(t, "hi there", ops[2].Content)
	assert.Equal(t, operation.ListDir, ops[3].Kind)
	assert.Equal(t, "src", ops[3].Path)
}

func TestParse_UnknownToolIgnored(t *testing.T) {
	reply := `<function_calls>
<invoke name="summon_demon">
<parameter name="name">baal</parameter>
</invoke>
<invoke name="read">
<parameter name="path">ok.txt</parameter>
</invoke>
</function_calls>`
	ops := Parse(reply)
	require.Len(t, ops, 1)
	assert.Equal(t, "ok.txt", ops[0].Path)
}

func TestParse_MissingRequiredParameterDropped(t *testing.T) {
	reply := `<function_calls>
<invoke name="write_file">
<parameter name="path">x.txt</parameter>
</invoke>
</function_calls>`
	assert.Empty(t, Parse(reply))
}

func TestParse_DedupAcrossForms(t *testing.T) {
	reply := "Run it: <bash>ls -la</bash>\n\n```bash\nls -la\n```"
	ops := Parse(reply)
	require.Len(t, ops, 1, "identical calls in two forms execute once")
	assert.Equal(t, "ls -la", ops[0].Command)
}

func TestParse_ThreeFormsOneExecution(t *testing.T) {
	reply := `<bash>go test ./...</bash>
<shell>go test ./...</shell>
` + "```EXEC go test ./...```"
	ops := Parse(reply)
	require.Len(t, ops, 1)
}

func TestParse_OrderFirstEncountered(t *testing.T) {
	reply := "<bash>pwd</bash>\n```READ a.txt```\n<shell>pwd</shell>\n<read_file>b.txt</read_file>"
	ops := Parse(reply)
	require.Len(t, ops, 3)
	assert.Equal(t, operation.Exec, ops[0].Kind)
	assert.Equal(t, "a.txt", ops[1].Path)
	assert.Equal(t, "b.txt", ops[2].Path)
}

func TestParse_TagsInsideFencesNotParsed(t *testing.T) {
	reply := "```go\nfmt.Println(\"<bash>rm -rf /</bash>\")\n```"
	assert.Empty(t, Parse(reply))
}

func TestParse_MalformedFragmentsDropped(t *testing.T) {
	tests := []string{
		"```READ```",            // no argument
		"```bash\nls",           // unclosed fence
		"<bash></bash>",         // empty command
		"<write_file>x</write_file>",  // missing path attribute
		"<function_calls><invoke name=\"read\"></invoke></function_calls>", // no params
	}
	for _, in := range tests {
		assert.Empty(t, Parse(in), "input %q", in)
	}
}

func TestParse_MixedFormsKeepTextualOrder(t *testing.T) {
	reply := `<function_calls>
<invoke name="shell">
<parameter name="command">make lint</parameter>
</invoke>
</function_calls>

<bash>make test</bash>`
	ops := Parse(reply)
	require.Len(t, ops, 2)
	assert.Equal(t, "make lint", ops[0].Command)
	assert.Equal(t, "make test", ops[1].Command)
}
