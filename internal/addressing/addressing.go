// Package addressing implements the content-addressing primitives shared by
// the diagnostics store, event store, and graph: canonical JSON encoding,
// SHA-256-based content identifiers, and UUIDv7 generation for
// non-content-addressed identifiers (session IDs, event IDs).
//
// Canonical JSON here means: object keys in lexicographic order, no
// insignificant whitespace, UTF-8, and numbers/strings as produced by
// encoding/json's default marshaling (which already sorts map[string]V keys
// and renders numbers in their shortest round-trip form). Callers that need
// a deterministic hash over a Go value should pass a value built from maps
// and slices (or structs with fixed field order) — never from a map with
// non-string keys, which encoding/json rejects.
package addressing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// CanonicalJSON serializes v into its canonical byte representation: key-sorted,
// whitespace-free JSON. It returns an error if v (or any nested value) is not
// JSON-marshalable.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("addressing: canonical json: %w", err)
	}
	return b, nil
}

// Hash returns the lowercase hex-encoded SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentHash canonicalizes v and returns the hex SHA-256 digest of the
// canonical form. This is the primitive behind every content-addressed ID
// in the system (AnalysisId, FindingId, DocumentId).
func ContentHash(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// AnalysisIDInput is the canonicalized tuple that identifies a diagnostics
// analysis. Field order here is irrelevant to the hash (encoding/json sorts
// map keys), but the field set must exactly match what every caller computes
// so that byte-identical inputs always produce identical AnalysisIds.
type AnalysisIDInput struct {
	ProjectID      string `json:"projectId"`
	TreeHash       string `json:"treeHash"`
	ToolName       string `json:"toolName"`
	ToolVersion    string `json:"toolVersion"`
	ConfigHash     string `json:"configHash"`
	FindingsDigest string `json:"findingsDigest"`
}

// ComputeAnalysisID returns the content-addressed AnalysisId for in. It is a
// pure function: identical inputs always yield an identical id, which is
// what makes diagnostics ingest idempotent.
func ComputeAnalysisID(in AnalysisIDInput) (string, error) {
	id, err := ContentHash(in)
	if err != nil {
		return "", fmt.Errorf("addressing: compute analysis id: %w", err)
	}
	return id, nil
}

// FindingIDInput is the canonicalized tuple that identifies a single
// normalized finding within one analysis. AnalysisID is included by design:
// equal-content findings in two different analyses get different FindingIds,
// so diffing across analyses is a strict set difference, never fuzzy
// matching.
type FindingIDInput struct {
	AnalysisID        string `json:"analysisId"`
	RuleID            string `json:"ruleId"`
	FilePath          string `json:"filePath"`
	StartLine         int    `json:"startLine"`
	StartColumn       int    `json:"startColumn"`
	EndLine           int    `json:"endLine"`
	EndColumn         int    `json:"endColumn"`
	NormalizedMessage string `json:"normalizedMessage"`
	Severity          string `json:"severity"`
}

// ComputeFindingID returns the content-addressed FindingId for in.
func ComputeFindingID(in FindingIDInput) (string, error) {
	id, err := ContentHash(in)
	if err != nil {
		return "", fmt.Errorf("addressing: compute finding id: %w", err)
	}
	return id, nil
}

// FindingContentInput is a FindingIDInput with AnalysisID omitted. The
// formula in spec section 3 defines FindingId in terms of AnalysisId, while
// AnalysisId is itself defined in terms of a FindingsDigest built from
// FindingIds — a circular dependency. ComputeFindingContentHash breaks the
// cycle: it hashes everything about a finding except the (not-yet-known)
// AnalysisID, and that pre-hash is what feeds FindingsDigest/AnalysisId.
// The real, stored/returned FindingId (including AnalysisID) is computed
// afterward via ComputeFindingID once AnalysisId is known.
type FindingContentInput struct {
	RuleID            string `json:"ruleId"`
	FilePath          string `json:"filePath"`
	StartLine         int    `json:"startLine"`
	StartColumn       int    `json:"startColumn"`
	EndLine           int    `json:"endLine"`
	EndColumn         int    `json:"endColumn"`
	NormalizedMessage string `json:"normalizedMessage"`
	Severity          string `json:"severity"`
}

// ComputeFindingContentHash returns the pre-AnalysisId content hash used to
// build a FindingsDigest before AnalysisId is known.
func ComputeFindingContentHash(in FindingContentInput) (string, error) {
	hash, err := ContentHash(in)
	if err != nil {
		return "", fmt.Errorf("addressing: compute finding content hash: %w", err)
	}
	return hash, nil
}

// ComputeFindingsDigest returns the SHA-256 digest over the sorted array of
// findingIDs, length-prefixed with the count so that an empty findings set
// and a set containing only the empty string cannot collide. The result is
// independent of the input slice's order.
func ComputeFindingsDigest(findingIDs []string) (string, error) {
	sorted := make([]string, len(findingIDs))
	copy(sorted, findingIDs)
	sort.Strings(sorted)

	payload := struct {
		Count int      `json:"count"`
		IDs   []string `json:"ids"`
	}{Count: len(sorted), IDs: sorted}

	digest, err := ContentHash(payload)
	if err != nil {
		return "", fmt.Errorf("addressing: compute findings digest: %w", err)
	}
	return digest, nil
}

// ComputeDocumentID returns the content-addressed DocumentId for a
// repository-relative file path. The caller must normalize path separators
// to forward slashes before calling this function.
func ComputeDocumentID(repoRelativePath string) string {
	return Hash([]byte(repoRelativePath))
}

// NewID returns a new time-ordered UUIDv7 string, used for every identifier
// that is not content-addressed (session IDs, event IDs, entity IDs before
// they acquire a stable natural key).
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("addressing: new id: %w", err)
	}
	return id.String(), nil
}
