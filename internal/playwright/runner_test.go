package playwright

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/pipeline"
)

// TestHelperServer is not a real test. It stands in for a dev server when
// re-executed with GO_WANT_HELPER_SERVER=1.
func TestHelperServer(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_SERVER") != "1" {
		return
	}
	http.ListenAndServe("127.0.0.1:"+os.Getenv("PORT"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	os.Exit(0)
}

const report = `{"suites":[{"title":"smoke.spec.ts","file":"smoke.spec.ts","specs":[
 {"title":"home loads","file":"smoke.spec.ts","line":3,"tests":[{"results":[{"status":"passed"}]}]},
 {"title":"login works","file":"smoke.spec.ts","line":9,"tests":[{"results":[{"status":"failed","error":{"message":"timeout"}}]}]}
]}]}`

type fixture struct {
	repo     string
	testsDir string
	req      pipeline.SuiteRequest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := t.TempDir()
	ui := filepath.Join(repo, "web")
	testsDir := filepath.Join(ui, "ui-testing")
	os.MkdirAll(filepath.Join(testsDir, "tests"), 0755)
	os.WriteFile(filepath.Join(ui, "package.json"), []byte(`{"scripts":{"dev":"vite"}}`), 0644)
	return &fixture{
		repo:     repo,
		testsDir: testsDir,
		req: pipeline.SuiteRequest{
			RunID:        "r1",
			RepoDir:      repo,
			UIDir:        "web",
			TestsDir:     testsDir,
			Suite:        domain.SuiteSmoke,
			ArtifactsDir: filepath.Join(t.TempDir(), "smoke"),
		},
	}
}

// fakeNPX writes a shell script standing in for npx
func fakeNPX(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "npx")
	script := "#!/bin/sh\necho \"$@\" > \"$PWD/args.txt\"\necho \"$BASE_URL\" > \"$PWD/base_url.txt\"\n" + body
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func helperServerCommand() string {
	return fmt.Sprintf("GO_WANT_HELPER_SERVER=1 exec '%s' -test.run='^TestHelperServer$'", os.Args[0])
}

func TestRunSuite_FailingTests(t *testing.T) {
	f := newFixture(t)
	os.WriteFile(filepath.Join(f.testsDir, "tests", "smoke.spec.ts"), []byte("test()"), 0644)

	r := New(Config{
		StartCommand: helperServerCommand(),
		ReadyTimeout: 20 * time.Second,
		NPX:          fakeNPX(t, "cat > \"$PLAYWRIGHT_JSON_OUTPUT_NAME\" <<'JSON'\n"+report+"\nJSON\nexit 1\n"),
	}, zap.NewNop())

	res, err := r.RunSuite(context.Background(), f.req)
	if err != nil {
		t.Fatalf("RunSuite() error = %v", err)
	}
	if res.ExitCode != 1 || res.Passed != 1 || res.Failed != 1 || res.OK() {
		t.Errorf("result = %+v", res)
	}
	if res.ReportPath != filepath.Join(f.req.ArtifactsDir, "results.json") {
		t.Errorf("ReportPath = %q", res.ReportPath)
	}

	args, _ := os.ReadFile(filepath.Join(f.testsDir, "args.txt"))
	for _, want := range []string{"playwright test", filepath.Join("tests", "smoke.spec.ts"), "--reporter=json", "--trace=on"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("npx args %q missing %q", args, want)
		}
	}
	base, _ := os.ReadFile(filepath.Join(f.testsDir, "base_url.txt"))
	if !strings.HasPrefix(string(base), "http://127.0.0.1:") {
		t.Errorf("BASE_URL = %q", base)
	}

	// the dev server is stopped once the suite is done
	addr := strings.TrimPrefix(strings.TrimSpace(string(base)), "http://")
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("dev server still listening after suite")
	}
}

func TestRunSuite_ReportOnStdout(t *testing.T) {
	f := newFixture(t)
	r := New(Config{
		StartCommand: helperServerCommand(),
		ReadyTimeout: 20 * time.Second,
		NPX:          fakeNPX(t, "cat <<'JSON'\n"+report+"\nJSON\n"),
	}, zap.NewNop())

	res, err := r.RunSuite(context.Background(), f.req)
	if err != nil {
		t.Fatalf("RunSuite() error = %v", err)
	}
	if res.ReportPath == "" || res.Failed != 1 {
		t.Errorf("stdout report not captured: %+v", res)
	}
	args, _ := os.ReadFile(filepath.Join(f.testsDir, "args.txt"))
	if !strings.Contains(string(args), "--grep smoke") {
		t.Errorf("expected grep selector without suite file, args %q", args)
	}
}

func TestRunSuite_ServerExits(t *testing.T) {
	f := newFixture(t)
	r := New(Config{StartCommand: "exit 3", ReadyTimeout: 20 * time.Second, NPX: fakeNPX(t, "")}, zap.NewNop())

	start := time.Now()
	_, err := r.RunSuite(context.Background(), f.req)
	if err == nil || !strings.Contains(err.Error(), "did not become ready") {
		t.Fatalf("RunSuite() error = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("exited server should fail fast")
	}
}

func TestRunSuite_MissingInputs(t *testing.T) {
	r := New(Config{}, zap.NewNop())

	f := newFixture(t)
	os.Remove(filepath.Join(f.repo, "web", "package.json"))
	if _, err := r.RunSuite(context.Background(), f.req); err == nil {
		t.Error("expected error without package.json")
	}

	f = newFixture(t)
	f.req.TestsDir = filepath.Join(f.repo, "missing")
	if _, err := r.RunSuite(context.Background(), f.req); err == nil {
		t.Error("expected error without tests folder")
	}
}

func TestStartSpec(t *testing.T) {
	f := newFixture(t)
	ui := filepath.Join(f.repo, "web")

	r := New(Config{StartCommand: "serve --port {port} --url {baseUrl}"}, zap.NewNop())
	spec, err := r.startSpec(f.req, ui, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "serve --port 4000 --url http://127.0.0.1:4000" {
		t.Errorf("override command = %q", spec.Command)
	}

	req := f.req
	req.Start = pipeline.StartSpec{Cwd: "web", Command: "npm run dev", BaseURL: "http://127.0.0.1:5173"}
	spec, err = New(Config{}, zap.NewNop()).startSpec(req, ui, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "npm run dev" || spec.BaseURL != "http://127.0.0.1:5173" || spec.Cwd != ui {
		t.Errorf("analyzed spec = %+v", spec)
	}

	spec, err = New(Config{}, zap.NewNop()).startSpec(f.req, ui, 4000)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Command != "npm run dev -- --host 127.0.0.1 --port 4000" {
		t.Errorf("script command = %q", spec.Command)
	}
}

func TestScriptCommand(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		lock    string
		want    string
		wantErr bool
	}{
		{"npm dev", `{"scripts":{"dev":"vite"}}`, "", "npm run dev -- --host 127.0.0.1 --port 3000", false},
		{"pnpm dev", `{"scripts":{"dev":"vite"}}`, "pnpm-lock.yaml", "pnpm dev -- --host 127.0.0.1 --port 3000", false},
		{"yarn dev", `{"scripts":{"dev":"next dev"}}`, "yarn.lock", "yarn dev --host 127.0.0.1 --port 3000", false},
		{"start only", `{"scripts":{"start":"react-scripts start"}}`, "", "npm run start", false},
		{"no scripts", `{}`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, "package.json"), []byte(tt.pkg), 0644)
			if tt.lock != "" {
				os.WriteFile(filepath.Join(dir, tt.lock), nil, 0644)
			}
			got, err := scriptCommand(dir, 3000)
			if (err != nil) != tt.wantErr {
				t.Fatalf("scriptCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("scriptCommand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSuiteSelector(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "tests"), 0755)
	os.WriteFile(filepath.Join(dir, "tests", "regression.test.js"), nil, 0644)

	if got := suiteSelector(dir, "regression"); len(got) != 1 || got[0] != filepath.Join("tests", "regression.test.js") {
		t.Errorf("suiteSelector(regression) = %v", got)
	}
	if got := suiteSelector(dir, "smoke"); strings.Join(got, " ") != "--grep smoke" {
		t.Errorf("suiteSelector(smoke) = %v", got)
	}
}
