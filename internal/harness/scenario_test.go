package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/forward_reference.yaml")
	require.NoError(t, err)

	assert.Equal(t, "forward_reference", sc.Name)
	assert.Equal(t, "../notes.cue", sc.ConfigFile)
	require.Len(t, sc.Seed, 1)
	assert.Equal(t, map[string][]string{"folder": {"f1"}}, sc.Seed[0].Refs)
	require.Len(t, sc.Steps, 2)
	assert.Equal(t, OpSeed, sc.Steps[0].Op)
	assert.Equal(t, OpNotify, sc.Steps[1].Op)
	require.NotNil(t, sc.Expect.Pending)
	assert.Equal(t, 0, *sc.Expect.Pending)
	assert.Equal(t, 4, sc.Expect.Calls["query"])

	cfg, err := sc.loadConfig()
	require.NoError(t, err, "config_file resolves against the scenario directory")
	assert.Len(t, cfg.Types, 2)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_AllTestdataParse(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			assert.NoError(t, err)
		})
	}
}

func TestParseScenario_InlineConfig(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: inline
config: "types: Note: {}"
steps:
  - {op: upsert, type: Note, key: n1, fields: {title: a, rank: 3}}
`), "")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"title": "a", "rank": 3}, sc.Steps[0].Fields)
	cfg, err := sc.loadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Types, 1)
}

func TestParseScenario_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nstep: []\n",
			want: "field step not found",
		},
		{
			name: "missing name",
			yaml: "config: \"types: Note: {}\"\nsteps: [{op: notify}]\n",
			want: "name is required",
		},
		{
			name: "missing steps",
			yaml: "name: x\nconfig: \"types: Note: {}\"\n",
			want: "steps is required",
		},
		{
			name: "no config",
			yaml: "name: x\nsteps: [{op: notify}]\n",
			want: "one of config or config_file is required",
		},
		{
			name: "both configs",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nconfig_file: a.cue\nsteps: [{op: notify}]\n",
			want: "config and config_file are mutually exclusive",
		},
		{
			name: "unknown op",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: jump}]\n",
			want: "steps[0].op: jump is not one of",
		},
		{
			name: "upsert without key",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: upsert, type: Note}]\n",
			want: "steps[0].key is required for upsert",
		},
		{
			name: "link without target",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: link, type: Note, key: n1, property: folder}]\n",
			want: "steps[0].target is required for link",
		},
		{
			name: "unknown remote code",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: fail, call: submit, codes: [TEAPOT]}]\n",
			want: `unknown remote code "TEAPOT"`,
		},
		{
			name: "unknown call kind",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: fail, call: upload, codes: [ZONE_BUSY]}]\n",
			want: "steps[0].call: upload is not one of",
		},
		{
			name: "unknown expected call kind",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: notify}]\nexpect: {calls: {upload: 1}}\n",
			want: "expect.calls[upload]",
		},
		{
			name: "name with slash",
			yaml: "name: a/b\nconfig: \"types: Note: {}\"\nsteps: [{op: notify}]\n",
			want: "name: failed excludesall",
		},
		{
			name: "push while held",
			yaml: "name: x\nconfig: \"types: Note: {}\"\nsteps: [{op: hold}, {op: push}]\n",
			want: "steps[1]: push cannot run while operations are held",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_RestartEndsHold(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: x
config: "types: Note: {}"
steps:
  - {op: hold}
  - {op: upsert, type: Note, key: n1}
  - {op: restart}
  - {op: push}
`), "")
	assert.NoError(t, err)
}

func TestParseScenario_ReportsEveryProblem(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: x
config: "types: Note: {}"
steps:
  - {op: upsert, type: Note}
  - {op: reject, type: Note, keys: [n1]}
`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[0].key is required for upsert")
	assert.Contains(t, err.Error(), "steps[1].code is required for reject")
}

func TestScenario_LoadConfigFileRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engine.cue"), []byte("types: Tag: {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.yaml"), []byte(`
name: rel
config_file: engine.cue
steps: [{op: notify}]
`), 0644))

	sc, err := LoadScenario(filepath.Join(dir, "s.yaml"))
	require.NoError(t, err)
	cfg, err := sc.loadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Types, 1)
	assert.Equal(t, "Tag", string(cfg.Types[0].Name))
}

func TestStep_Target(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Op: OpUpsert, Type: "Note", Key: "n1"}, "Note/n1"},
		{Step{Op: OpDelete, Type: "Note", Key: "n1"}, "Note/n1"},
		{Step{Op: OpLink, Type: "Note", Key: "n1", Property: "folder", Target: "f1"}, "Note/n1.folder"},
		{Step{Op: OpFail, Call: "query"}, "query"},
		{Step{Op: OpReject, Type: "Note"}, "Note"},
		{Step{Op: OpPull, Types: []string{"Note", "Folder"}}, "Note,Folder"},
		{Step{Op: OpNotify}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.step.target(), tt.step.Op)
	}
}
