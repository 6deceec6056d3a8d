package chat

import "testing"

func TestAppendOrMergeAssistantMergesTrailing(t *testing.T) {
	tr := Transcript{}
	tr = tr.AppendUser("What is the total?")
	tr = tr.AppendOrMergeAssistant("The ")
	tr = tr.AppendOrMergeAssistant("total is 42.")

	if len(tr) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tr))
	}
	if tr[1].Role != RoleAssistant || tr[1].Content != "The total is 42." {
		t.Fatalf("unexpected trailing message: %+v", tr[1])
	}
}

func TestAppendUserStartsNewEntry(t *testing.T) {
	tr := Transcript{}
	tr = tr.AppendOrMergeAssistant("hello")
	tr = tr.AppendUser("hi")
	tr = tr.AppendOrMergeAssistant("how can I help?")

	if len(tr) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(tr))
	}
	if tr[2].Content != "how can I help?" {
		t.Fatalf("unexpected content: %q", tr[2].Content)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tr := Transcript{}.AppendUser("a")
	clone := tr.Clone()
	tr = tr.AppendOrMergeAssistant("b")

	if len(tr) != 2 {
		t.Fatalf("expected 2 entries after append, got %d", len(tr))
	}
	if len(clone) != 1 {
		t.Fatalf("clone should keep 1 entry, got %d", len(clone))
	}
}
