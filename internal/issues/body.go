package issues

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// MarkerPrefix starts the line identifying the bug an issue was filed for
const MarkerPrefix = "Bug ID: "

var bodyTemplate = template.Must(template.New("issue").Funcs(template.FuncMap{
	"orNone": orNone,
	"list":   list,
}).Parse(`Bug ID: {{.ID}}

**Severity:** {{.Severity}}
**Workflow:** {{orNone .Workflow}}
**Page:** {{orNone .PageURL}}

## Expected
{{orNone .Expected}}

## Actual
{{orNone .Actual}}

## Repro steps
{{list .ReproSteps}}

## Evidence
- Trace: {{orNone .TracePath}}
- Screenshot: {{orNone .ScreenshotPath}}
- Video: {{orNone .VideoPath}}

## Console errors
{{list .ConsoleErrors}}

## Network failures
{{list .NetworkFailures}}

## Suspected root cause
{{orNone .SuspectedRootCause}}

## Code location guess
{{orNone .CodeLocationGuess}}

**Confidence:** {{.Confidence}}
`))

// Body renders the issue body for a bug
func Body(bug *domain.Bug) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, bug); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Title renders the issue title, e.g. "[UI][Smoke] Login fails"
func Title(bug *domain.Bug) string {
	testType := bug.TestType
	if testType == "" {
		testType = "suite"
	}
	return "[UI][" + strings.ToUpper(testType[:1]) + testType[1:] + "] " + bug.Title
}

// Labels returns the labels applied to a filed issue
func Labels(bug *domain.Bug) []string {
	labels := []string{"ui", "bug"}
	if bug.TestType != "" {
		labels = append(labels, bug.TestType)
	}
	return append(labels, "severity:"+string(bug.Severity))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "_none_"
	}
	return s
}

func list(items []string) string {
	if len(items) == 0 {
		return "_none_"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}
