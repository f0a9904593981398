package outline

import (
	"reflect"
	"testing"
)

func TestExtractCitationIdsDedupFirstSeen(t *testing.T) {
	text := "A <citation>ev_0001, ev_0002</citation> B <citation>ev_0002,ev_0003</citation>"
	got := ExtractCitationIds(text)
	want := []string{"ev_0001", "ev_0002", "ev_0003"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractCitationIdsNone(t *testing.T) {
	got := ExtractCitationIds("no citations here")
	if len(got) != 0 {
		t.Fatalf("expected no ids, got %v", got)
	}
}

func TestSectionsSplitsOnH2Headings(t *testing.T) {
	o := New("## Intro\nhello\n## Body\nworld\n")
	sections := o.Sections()
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Title != "Intro" || sections[0].Body != "hello" {
		t.Fatalf("unexpected first section: %+v", sections[0])
	}
	if sections[1].Title != "Body" || sections[1].Body != "world" {
		t.Fatalf("unexpected second section: %+v", sections[1])
	}
}

func TestSectionsEmptyOutlineFallsBackToReport(t *testing.T) {
	o := New("")
	sections := o.Sections()
	if len(sections) != 1 || sections[0].Title != "Report" {
		t.Fatalf("expected single Report fallback section, got %+v", sections)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	o := New("v1")
	o.Update("v2")
	if o.Version != 2 || o.Text != "v2" {
		t.Fatalf("unexpected state after update: %+v", o)
	}
}
