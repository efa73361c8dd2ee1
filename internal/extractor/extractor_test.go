package extractor_test

import (
	"strings"
	"testing"

	"github.com/agentctx/memoryd/internal/extractor"
)

func TestExtractPerson(t *testing.T) {
	x := extractor.New(0.5)
	entities := x.Extract("Please ask Dr. Jones to review the PR.", nil)

	found := false
	for _, e := range entities {
		if e.Type == extractor.Person && e.Name == "Jones" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected PERSON Jones, got %+v", entities)
	}
}

func TestExtractCodeFile(t *testing.T) {
	x := extractor.New(0.5)
	entities := x.Extract("The bug is in internal/graph/store.go near line 40.", nil)

	found := false
	for _, e := range entities {
		if e.Type == extractor.CodeFile && e.Name == "internal/graph/store.go" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected CODE_FILE internal/graph/store.go, got %+v", entities)
	}
}

func TestExtractErrorStripsTrailingPunctuation(t *testing.T) {
	x := extractor.New(0.5)
	entities := x.Extract("Got NullPointerException: value was nil.", nil)

	found := false
	for _, e := range entities {
		if e.Type == extractor.Error {
			found = true
			if e.Name == "" || strings.HasSuffix(e.Name, ".") {
				t.Errorf("ERROR name should be non-empty without trailing punctuation, got %q", e.Name)
			}
		}
	}
	if !found {
		t.Errorf("expected an ERROR entity, got %+v", entities)
	}
}

func TestExtractDedupsByTypeAndLowercasedName(t *testing.T) {
	x := extractor.New(0.5)
	entities := x.Extract("TODO: fix bug. TODO: fix bug.", nil)

	count := 0
	for _, e := range entities {
		if e.Type == extractor.Task {
			count++
		}
	}
	if count != 1 {
		t.Errorf("want 1 deduped TASK, got %d", count)
	}
}

func TestExtractFiltersBelowMinConfidence(t *testing.T) {
	x := extractor.New(0.95)
	entities := x.Extract("call parse()", nil)

	for _, e := range entities {
		if e.Type == extractor.CodeFunction {
			t.Errorf("low-confidence CODE_FUNCTION match should have been filtered: %+v", e)
		}
	}
}

func TestExtractContextBoostsConfidence(t *testing.T) {
	x := extractor.New(0.5)
	withoutCtx := x.Extract("panic: request took too long.", nil)
	withCtx := x.Extract("panic: request took too long.", &extractor.Context{
		Key: "tag", Value: "request took too long", Category: "runtime",
	})

	var baseConf, boostedConf float64
	for _, e := range withoutCtx {
		if e.Type == extractor.Error {
			baseConf = e.Confidence
		}
	}
	for _, e := range withCtx {
		if e.Type == extractor.Error {
			boostedConf = e.Confidence
			if e.ContextKey != "tag" || e.ContextCategory != "runtime" {
				t.Errorf("context-boosted entity should carry ContextKey/ContextCategory, got %+v", e)
			}
		}
	}
	if boostedConf < baseConf {
		t.Errorf("context-matched confidence (%v) should be >= base (%v)", boostedConf, baseConf)
	}
}

func TestExtractOrganizationStripsLeadingArticle(t *testing.T) {
	x := extractor.New(0.5)
	entities := x.Extract("Contract signed with the Acme Corp.", nil)

	found := false
	for _, e := range entities {
		if e.Type == extractor.Organization {
			found = true
			if strings.HasPrefix(strings.ToLower(e.Name), "the ") {
				t.Errorf("leading article should be stripped, got %q", e.Name)
			}
		}
	}
	if !found {
		t.Errorf("expected an ORGANIZATION entity, got %+v", entities)
	}
}
