// Package diagnostics implements the content-addressed SARIF analysis
// store: parsing, normalization, content addressing, persistence, and
// diffing of static-analysis findings. Parsing and normalization are pure
// functions following a "parse -> normalize -> content-address" pipeline,
// with a migrate-on-open, atomic-DDL discipline for the underlying schema.
package diagnostics

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentctx/memoryd/internal/addressing"
	"github.com/agentctx/memoryd/internal/errs"
)

// Severity enumerates the normalized severity levels a finding can carry.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNote    Severity = "note"
)

// SarifRun is the subset of a SARIF 2.1.0 run object this store consumes:
// runs[].tool.driver.{name,version} and runs[].results[].
type SarifRun struct {
	Tool struct {
		Driver struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"driver"`
	} `json:"tool"`
	Results []SarifResult `json:"results"`
}

// SarifResult is a single raw SARIF result entry before normalization.
type SarifResult struct {
	RuleID  string `json:"ruleId"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region struct {
				StartLine   int `json:"startLine"`
				StartColumn int `json:"startColumn"`
				EndLine     int `json:"endLine"`
				EndColumn   int `json:"endColumn"`
			} `json:"region"`
		} `json:"physicalLocation"`
	} `json:"locations"`
}

// SarifDocument is the top-level SARIF log object.
type SarifDocument struct {
	Runs []SarifRun `json:"runs"`
}

// RawFinding is a finding extracted from SARIF before normalization.
type RawFinding struct {
	RuleID      string
	Level       string
	Message     string
	FilePath    string
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// ParseSarif extracts tool identity and raw findings from the first run in
// doc. A finding without a filePath is rejected.
func ParseSarif(doc SarifDocument) (toolName, toolVersion string, findings []RawFinding, err error) {
	if len(doc.Runs) == 0 {
		return "", "", nil, errs.Wrap("diagnostics.parse_sarif", errs.InvalidArgument, fmt.Errorf("sarif document has no runs"))
	}
	run := doc.Runs[0]
	toolName = run.Tool.Driver.Name
	toolVersion = run.Tool.Driver.Version

	for i, res := range run.Results {
		if len(res.Locations) == 0 || res.Locations[0].PhysicalLocation.ArtifactLocation.URI == "" {
			return "", "", nil, errs.Wrap("diagnostics.parse_sarif", errs.InvalidArgument,
				fmt.Errorf("result %d missing filePath", i))
		}
		loc := res.Locations[0].PhysicalLocation
		findings = append(findings, RawFinding{
			RuleID:      res.RuleID,
			Level:       res.Level,
			Message:     res.Message.Text,
			FilePath:    loc.ArtifactLocation.URI,
			StartLine:   loc.Region.StartLine,
			StartColumn: loc.Region.StartColumn,
			EndLine:     loc.Region.EndLine,
			EndColumn:   loc.Region.EndColumn,
		})
	}
	return toolName, toolVersion, findings, nil
}

// NormalizedFinding is a RawFinding after whitespace-collapse, path
// normalization, severity mapping, and FindingId computation.
type NormalizedFinding struct {
	FindingID         string
	AnalysisID        string
	RuleID            string
	Severity          Severity
	NormalizedMessage string
	FilePath          string
	StartLine         int
	StartColumn       int
	EndLine           int
	EndColumn         int
}

// PreFinding is a raw finding after whitespace-collapse, path normalization,
// and severity mapping, but before FindingId is computed (FindingId depends
// on AnalysisId, which in turn depends on a digest over these findings — see
// addressing.ComputeFindingContentHash for why this two-stage split exists).
type PreFinding struct {
	RuleID            string
	Severity          Severity
	NormalizedMessage string
	FilePath          string
	StartLine         int
	StartColumn       int
	EndLine           int
	EndColumn         int
	ContentHash       string
}

// PreNormalize applies whitespace-collapse, path normalization, and severity
// mapping to raw, and computes each finding's pre-AnalysisId content hash.
func PreNormalize(raw []RawFinding) ([]PreFinding, error) {
	out := make([]PreFinding, 0, len(raw))
	for _, r := range raw {
		message := collapseWhitespace(r.Message)
		path := normalizePath(r.FilePath)
		severity := normalizeSeverity(r.Level)

		hash, err := addressing.ComputeFindingContentHash(addressing.FindingContentInput{
			RuleID:            r.RuleID,
			FilePath:          path,
			StartLine:         r.StartLine,
			StartColumn:       r.StartColumn,
			EndLine:           r.EndLine,
			EndColumn:         r.EndColumn,
			NormalizedMessage: message,
			Severity:          string(severity),
		})
		if err != nil {
			return nil, fmt.Errorf("diagnostics: pre-normalize: %w", err)
		}

		out = append(out, PreFinding{
			RuleID: r.RuleID, Severity: severity, NormalizedMessage: message, FilePath: path,
			StartLine: r.StartLine, StartColumn: r.StartColumn, EndLine: r.EndLine, EndColumn: r.EndColumn,
			ContentHash: hash,
		})
	}
	return out, nil
}

// PreFindingsDigest computes the order-independent digest over pre-findings'
// content hashes; this is the FindingsDigest fed into ComputeAnalysisId.
func PreFindingsDigest(pre []PreFinding) (string, error) {
	hashes := make([]string, len(pre))
	for i, p := range pre {
		hashes[i] = p.ContentHash
	}
	return addressing.ComputeFindingsDigest(hashes)
}

var whitespaceRun = regexp.MustCompile(`[\s\v\x{85}\p{Z}]+`)

// collapseWhitespace trims and collapses all runs of Unicode whitespace to a
// single ASCII space, per step 1.
func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// normalizePath converts backslashes to forward slashes and collapses
// duplicate separators. No ".." resolution is performed.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// normalizeSeverity lowercases and maps a SARIF level to {error,warning,note};
// unknown values default to note.
func normalizeSeverity(level string) Severity {
	switch strings.ToLower(level) {
	case "error":
		return SeverityError
	case "warning":
		return SeverityWarning
	case "note":
		return SeverityNote
	default:
		return SeverityNote
	}
}

// Finalize computes the real (AnalysisId-including) FindingId for each
// pre-finding now that analysisID is known, and stable-sorts the result by
// (filePath, startLine, startColumn, ruleId, findingId), per // step 5.
func Finalize(analysisID string, pre []PreFinding) ([]NormalizedFinding, error) {
	out := make([]NormalizedFinding, 0, len(pre))
	for _, p := range pre {
		findingID, err := addressing.ComputeFindingID(addressing.FindingIDInput{
			AnalysisID:        analysisID,
			RuleID:            p.RuleID,
			FilePath:          p.FilePath,
			StartLine:         p.StartLine,
			StartColumn:       p.StartColumn,
			EndLine:           p.EndLine,
			EndColumn:         p.EndColumn,
			NormalizedMessage: p.NormalizedMessage,
			Severity:          string(p.Severity),
		})
		if err != nil {
			return nil, fmt.Errorf("diagnostics: finalize: %w", err)
		}
		out = append(out, NormalizedFinding{
			FindingID: findingID, AnalysisID: analysisID, RuleID: p.RuleID, Severity: p.Severity,
			NormalizedMessage: p.NormalizedMessage, FilePath: p.FilePath,
			StartLine: p.StartLine, StartColumn: p.StartColumn, EndLine: p.EndLine, EndColumn: p.EndColumn,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.StartColumn != b.StartColumn {
			return a.StartColumn < b.StartColumn
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.FindingID < b.FindingID
	})
	return out, nil
}

// FindingsDigest computes the order-independent digest over a normalized
// finding set's ids. This is the digest returned to callers alongside a
// run/analysis; it is distinct from the PreFindingsDigest embedded in
// AnalysisId (see PreFindingsDigest).
func FindingsDigest(findings []NormalizedFinding) (string, error) {
	ids := make([]string, len(findings))
	for i, f := range findings {
		ids[i] = f.FindingID
	}
	return addressing.ComputeFindingsDigest(ids)
}
