package splitter

import (
	"reflect"
	"testing"
)

func TestSplit_TwoSegments(t *testing.T) {
	got := Split("StepA--------StepB")
	want := []string{"StepA", "StepB"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Split = %#v, want %#v", got, want)
	}
}

func TestSplit_NoDelimiter(t *testing.T) {
	if got := Split("Just one paragraph"); got != nil {
		t.Fatalf("expected nil for single paragraph, got %#v", got)
	}
}

func TestSplit_DelimiterOnly(t *testing.T) {
	if got := Split("--------"); got != nil {
		t.Fatalf("expected nil for delimiter-only content, got %#v", got)
	}
}

func TestSplit_TrimsAndDropsEmpties(t *testing.T) {
	got := Split("  first step \n--------\n\n--------  second step\t--------   ")
	want := []string{"first step", "second step"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Split = %#v, want %#v", got, want)
	}
}

func TestSplit_SingleNonEmptySegment(t *testing.T) {
	// One real segment plus delimiter noise is still atomic content.
	if got := Split("only--------  "); got != nil {
		t.Fatalf("expected nil, got %#v", got)
	}
}

func TestSplit_Idempotent(t *testing.T) {
	content := "a--------b--------c"
	first := Split(content)
	second := Split(content)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("splitting twice diverged: %#v vs %#v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(first))
	}
}
