package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	rules := loadRules(t)

	alerts := map[string]string{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			if rule.Alert != "" {
				alerts[rule.Alert] = rule.Labels["severity"]
			}
		}
	}
	requiredAlerts := []string{
		"HealSQLTurnFailureRatioHigh",
		"HealSQLTurnLatencyP95High",
		"HealSQLGatewayLatencyP95High",
		"HealSQLSafetyRejections",
		"HealSQLIndexFallbacks",
		"HealSQLHTTPErrorRateHigh",
	}
	for _, name := range requiredAlerts {
		severity, ok := alerts[name]
		if !ok {
			t.Fatalf("rules missing alert %q", name)
		}
		if severity != "warning" && severity != "critical" {
			t.Fatalf("alert %q severity = %q", name, severity)
		}
	}
}

// Every healsql_* series referenced by a rule must be one the service exports.
func TestPrometheusRulesReferenceExportedMetrics(t *testing.T) {
	rules := loadRules(t)
	exported := exportedMetricNames(t)

	seriesPattern := regexp.MustCompile(`\bhealsql_[a-z_]+`)
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			for _, series := range seriesPattern.FindAllString(rule.Expr, -1) {
				base := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(series, "_bucket"), "_sum"), "_count")
				if !exported[base] {
					t.Fatalf("rule %q%q references unknown metric %q", rule.Record, rule.Alert, series)
				}
			}
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "prometheus", "prometheus-scrape.example.yaml"))
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)

	for _, token := range []string{"metrics_path: /v1/metrics", "healsql_rules.yaml", "job_name: healsql-api"} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func loadRules(t *testing.T) ruleFile {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "prometheus", "healsql_rules.yaml"))
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	var rules ruleFile
	if err := yaml.Unmarshal(content, &rules); err != nil {
		t.Fatalf("rules YAML parse error: %v", err)
	}
	if len(rules.Groups) == 0 {
		t.Fatal("rules file must include at least one group")
	}
	return rules
}

func exportedMetricNames(t *testing.T) map[string]bool {
	t.Helper()
	dir := filepath.Join(repoRoot(t), "internal", "observability")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read observability dir: %v", err)
	}
	namePattern := regexp.MustCompile(`Name:\s+"(healsql_[a-z_]+)"`)
	names := map[string]bool{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".go") || strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		for _, match := range namePattern.FindAllStringSubmatch(string(content), -1) {
			names[match[1]] = true
		}
	}
	if len(names) == 0 {
		t.Fatal("no exported metrics found")
	}
	return names
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
