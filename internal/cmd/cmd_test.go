package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"labqc/internal/config"
	"labqc/internal/core"
	"labqc/pkg/domain"
)

func strPtr(s string) *string { return &s }

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig points storage and blob at a temp dir and returns the config path.
func writeConfig(t *testing.T) (string, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(dir, "qc.db")
	cfg.Blob.FSRoot = filepath.Join(dir, "audit")
	cfg.Log.Level = "error"
	yaml := "storage:\n  driver: sqlite\n  sqlite_path: " + cfg.Storage.SQLitePath +
		"\nblob:\n  driver: fs\n  fs_root: " + cfg.Blob.FSRoot +
		"\nlog:\n  level: error\n"
	path := filepath.Join(dir, "labqc.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, *cfg
}

// seed creates lot LOT-1 with one result under a pending retest and returns
// the lot and retest ids.
func seed(t *testing.T, cfg config.Config) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	store, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	svc := core.NewService(store)
	lot, _, err := svc.UpsertLot(ctx, domain.Lot{ReferenceNumber: "LOT-1", ProductID: 1})
	if err != nil {
		t.Fatalf("lot: %v", err)
	}
	result, _, err := svc.UpsertTestResult(ctx, domain.TestResult{LotID: lot.ID, TestName: "tpc", ResultValue: strPtr("12000")})
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	req, _, _, err := svc.CreateRetest(ctx, core.CreateRetestInput{LotID: lot.ID, TestResultIDs: []int64{result.ID}, Reason: "high count"})
	if err != nil {
		t.Fatalf("retest: %v", err)
	}
	return lot.ID, req.ID
}

func TestEvaluateCommand(t *testing.T) {
	cases := []struct {
		args    []string
		matches bool
	}{
		{[]string{"evaluate", "<10", "--spec", "< 10"}, true},
		{[]string{"evaluate", "Not Detected", "--spec", "Negative in 25g"}, true},
		{[]string{"evaluate", "8", "--spec", "5-7"}, false},
		{[]string{"evaluate", "--empty", "--spec", "Negative"}, false},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, " "), func(t *testing.T) {
			out, err := execute(t, tc.args...)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatalf("decode %q: %v", out, err)
			}
			if got["matches"] != tc.matches {
				t.Fatalf("matches = %v, want %v", got["matches"], tc.matches)
			}
		})
	}
	if _, err := execute(t, "evaluate", "--spec", "Negative"); err == nil {
		t.Fatalf("expected error without value")
	}
}

func TestClassifyCommand(t *testing.T) {
	out, err := execute(t, "classify", "--spec", "Positive", "--unit", "Positive/Negative")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"dropdown"`) {
		t.Fatalf("expected dropdown, got %s", out)
	}
	out, err = execute(t, "classify", "--spec", "Negative")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out, `"autocomplete"`) || !strings.Contains(out, `"suggestions"`) {
		t.Fatalf("expected autocomplete suggestions, got %s", out)
	}
}

func TestRetestCommandsAgainstSQLite(t *testing.T) {
	path, cfg := writeConfig(t)
	lotID, retestID := seed(t, cfg)
	lot := strconv.FormatInt(lotID, 10)

	out, err := execute(t, "--config", path, "can-release", lot)
	if err != nil || !strings.Contains(out, `"can_release": false`) {
		t.Fatalf("can-release before completion: %q %v", out, err)
	}

	out, err = execute(t, "--config", path, "list-retests", lot)
	if err != nil || !strings.Contains(out, "LOT-1-R1\tpending\t1 items") {
		t.Fatalf("list-retests: %q %v", out, err)
	}

	out, err = execute(t, "--config", path, "complete-retest", strconv.FormatInt(retestID, 10))
	if err != nil {
		t.Fatalf("complete-retest: %v", err)
	}
	var completed domain.RetestRequest
	if err := json.Unmarshal([]byte(out), &completed); err != nil || completed.Status != domain.RetestStatusCompleted || !completed.CompletedManually {
		t.Fatalf("unexpected completion %q (%v)", out, err)
	}

	out, err = execute(t, "--config", path, "can-release", lot)
	if err != nil || !strings.Contains(out, `"can_release": true`) {
		t.Fatalf("can-release after completion: %q %v", out, err)
	}

	if _, err := execute(t, "--config", path, "export-history", lot); err != nil {
		t.Fatalf("export-history: %v", err)
	}
	out, err = execute(t, "--config", path, "export-history", "--list", lot)
	if err != nil || !strings.Contains(out, "retests/lot-"+lot+"/") {
		t.Fatalf("export-history --list: %q %v", out, err)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.Blob.FSRoot, "retests", "lot-"+lot, "*.json"))
	if len(matches) != 1 {
		t.Fatalf("expected one archived export, got %v", matches)
	}
}

func TestCommandErrors(t *testing.T) {
	path, _ := writeConfig(t)
	if _, err := execute(t, "--config", path, "can-release", "abc"); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if _, err := execute(t, "--config", path, "can-release", "99"); err == nil {
		t.Fatalf("expected not found error")
	}
	if _, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "can-release", "1"); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestBuildServerExposesMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Blob.Driver = "memory"
	a := &app{cfg: cfg, logger: zap.NewNop()}
	reg := prometheus.NewRegistry()
	server, closeStore, err := a.buildServer(context.Background(), reg)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	defer func() { _ = closeStore() }()

	body := strings.NewReader(`{"test_result_ids":[1],"reason":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lots/1/retests", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown lot, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `labqc_service_operations_total{operation="create_retest",result="error"} 1`) {
		t.Fatalf("metrics missing create_retest error:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openapi.yaml", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "openapi: 3.0.3") {
		t.Fatalf("openapi document not served: %d %q", rec.Code, rec.Body.String())
	}
}
