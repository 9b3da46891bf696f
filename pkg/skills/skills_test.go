package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/store"
	"github.com/kestrel-ai/kestrel/pkg/task"
	"github.com/kestrel-ai/kestrel/pkg/tools"
)

const upperSkill = `package skill

import "strings"

func Run(args map[string]interface{}) (interface{}, error) {
	name, _ := args["name"].(string)
	return strings.ToUpper(name), nil
}
`

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("summarize_pr"))
	assert.NoError(t, ValidateName("a"))
	assert.NoError(t, ValidateName("v2_parser"))

	for _, bad := range []string{"", "9lives", "Has-Dash", "CamelCase", "with space", "_leading"} {
		assert.Error(t, ValidateName(bad), bad)
	}
}

func TestScreenRejectsBlockedImports(t *testing.T) {
	blockedSnippets := map[string]string{
		"os":      `package skill; import "os"; func Run(args map[string]interface{}) (interface{}, error) { return os.Getenv("X"), nil }`,
		"os/exec": `package skill; import "os/exec"; func Run(args map[string]interface{}) (interface{}, error) { return exec.Command("ls"), nil }`,
		"net":     `package skill; import "net/http"; func Run(args map[string]interface{}) (interface{}, error) { return http.Get("http://x") }`,
		"unsafe":  `package skill; import "unsafe"; func Run(args map[string]interface{}) (interface{}, error) { return unsafe.Sizeof(0), nil }`,
		"syscall": `package skill; import "syscall"; func Run(args map[string]interface{}) (interface{}, error) { return syscall.Getpid(), nil }`,
		"reflect": `package skill; import "reflect"; func Run(args map[string]interface{}) (interface{}, error) { return reflect.TypeOf(0), nil }`,
	}
	for name, code := range blockedSnippets {
		err := Screen(code)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "not allowed", name)
	}
}

func TestScreenRequiresEntryPoint(t *testing.T) {
	err := Screen(`package skill

func Helper() string { return "no run" }
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must define func Run")
}

func TestScreenRejectsSyntaxErrors(t *testing.T) {
	assert.Error(t, Screen(`package skill func Run( {`))
}

func TestScreenAcceptsCleanSkill(t *testing.T) {
	assert.NoError(t, Screen(upperSkill))
}

func TestEvaluatorRunsSkill(t *testing.T) {
	e := NewEvaluator()
	out, err := e.Execute(context.Background(), upperSkill, map[string]any{"name": "kestrel"})
	require.NoError(t, err)
	assert.Equal(t, "KESTREL", out)
}

func TestEvaluatorStringifiesStructuredResults(t *testing.T) {
	code := `package skill

func Run(args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"count": 3}, nil
}
`
	e := NewEvaluator()
	out, err := e.Execute(context.Background(), code, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, out)
}

func TestEvaluatorSurfacesSkillErrors(t *testing.T) {
	code := `package skill

import "errors"

func Run(args map[string]interface{}) (interface{}, error) {
	return nil, errors.New("nope")
}
`
	e := NewEvaluator()
	_, err := e.Execute(context.Background(), code, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestProbeRejectsMissingSymbols(t *testing.T) {
	// The import screen would catch this too; the evaluator's restricted
	// symbol table is the second fence.
	code := `package skill

import "os"

func Run(args map[string]interface{}) (interface{}, error) {
	return os.Getenv("HOME"), nil
}
`
	e := NewEvaluator()
	assert.Error(t, e.Probe(code))
}

func TestProbeRejectsWrongSignature(t *testing.T) {
	code := `package skill

func Run(input string) string { return input }
`
	e := NewEvaluator()
	err := e.Probe(code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

type fakeSkillStore struct {
	mu      sync.Mutex
	records map[string]*store.SkillRecord
}

func newFakeSkillStore() *fakeSkillStore {
	return &fakeSkillStore{records: map[string]*store.SkillRecord{}}
}

func (f *fakeSkillStore) key(workspace, name string) string { return workspace + "/" + name }

func (f *fakeSkillStore) UpsertSkill(_ context.Context, sk *store.SkillRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *sk
	f.records[f.key(sk.Workspace, sk.Name)] = &copied
	return nil
}

func (f *fakeSkillStore) GetSkill(_ context.Context, workspace, name string) (*store.SkillRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[f.key(workspace, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSkillStore) ListSkills(_ context.Context, workspace string) ([]*store.SkillRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.SkillRecord
	for _, rec := range f.records {
		if rec.Workspace == workspace {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSkillStore) DeleteSkill(_ context.Context, workspace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, f.key(workspace, name))
	return nil
}

func TestManagerCreateRegistersTool(t *testing.T) {
	skillStore := newFakeSkillStore()
	registry := tools.NewRegistry()
	m := NewManager(skillStore, registry, nil)

	rec := &store.SkillRecord{
		Workspace:   "ws1",
		Name:        "upper",
		Description: "uppercases a name",
		Code:        upperSkill,
		SchemaJSON:  `{"type":"object","properties":{"name":{"type":"string"}}}`,
	}
	require.NoError(t, m.CreateSkill(context.Background(), rec))

	tool, err := registry.GetTool("upper")
	require.NoError(t, err)
	info := tool.Info()
	assert.Equal(t, "skill", info.Category)
	assert.Equal(t, tools.OriginSkill, info.Origin)
	assert.Equal(t, task.RiskMedium, info.Risk)

	result := registry.Execute(context.Background(),
		task.ToolCall{ID: "c1", Name: "upper", Arguments: map[string]any{"name": "abc"}})
	assert.True(t, result.Success)
	assert.Equal(t, "ABC", result.Output)
}

func TestManagerUpsertReplacesTool(t *testing.T) {
	skillStore := newFakeSkillStore()
	registry := tools.NewRegistry()
	m := NewManager(skillStore, registry, nil)

	rec := &store.SkillRecord{Workspace: "ws1", Name: "upper", Description: "v1", Code: upperSkill}
	require.NoError(t, m.CreateSkill(context.Background(), rec))

	rec2 := &store.SkillRecord{Workspace: "ws1", Name: "upper", Description: "v2", Code: upperSkill}
	require.NoError(t, m.CreateSkill(context.Background(), rec2))

	tool, err := registry.GetTool("upper")
	require.NoError(t, err)
	assert.Equal(t, "v2", tool.Info().Description)
}

func TestManagerRejectsBeforePersisting(t *testing.T) {
	skillStore := newFakeSkillStore()
	registry := tools.NewRegistry()
	m := NewManager(skillStore, registry, nil)

	bad := &store.SkillRecord{
		Workspace: "ws1",
		Name:      "evil",
		Code:      `package skill; import "os/exec"; func Run(args map[string]interface{}) (interface{}, error) { return exec.Command("rm"), nil }`,
	}
	err := m.CreateSkill(context.Background(), bad)
	require.Error(t, err)
	assert.Empty(t, skillStore.records)
	_, err = registry.GetTool("evil")
	assert.Error(t, err)
}

func TestManagerLoadWorkspace(t *testing.T) {
	skillStore := newFakeSkillStore()
	require.NoError(t, skillStore.UpsertSkill(context.Background(), &store.SkillRecord{
		Workspace: "ws1", Name: "upper", Code: upperSkill,
	}))
	registry := tools.NewRegistry()
	m := NewManager(skillStore, registry, nil)

	require.NoError(t, m.LoadWorkspace(context.Background(), "ws1"))
	_, err := registry.GetTool("upper")
	assert.NoError(t, err)
}

func TestSandboxClientStreamsStatusUpdates(t *testing.T) {
	var gotReq SandboxRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, decodeJSONBody(r, &gotReq))
		fmt.Fprintln(w, `{"status":"starting"}`)
		fmt.Fprintln(w, `{"status":"running"}`)
		fmt.Fprintln(w, `{"status":"complete","output":"42"}`)
	}))
	defer server.Close()

	c := NewSandboxClient(server.URL, []string{"api.example.com"}, nil)
	var statuses []string
	out, err := c.Execute(context.Background(), "ws1/answer", map[string]any{"q": "life"},
		func(u StatusUpdate) { statuses = append(statuses, u.Status) })
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, []string{"starting", "running"}, statuses)
	assert.Equal(t, "ws1/answer", gotReq.SkillPath)
	assert.Equal(t, []string{"api.example.com"}, gotReq.AllowedDomains)
}

func TestSandboxClientSurfacesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"failed","error":"out of memory"}`)
	}))
	defer server.Close()

	c := NewSandboxClient(server.URL, nil, nil)
	_, err := c.Execute(context.Background(), "ws1/x", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
