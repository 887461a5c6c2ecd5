package pipselect

import "testing"

func TestSpecificationEnsureValidRejectsMultipleMechanisms(t *testing.T) {
	spec := Specification{All: true, IDs: []uint32{1}}
	if err := spec.EnsureValid(); err == nil {
		t.Fatal("expected an error for multiple selection mechanisms")
	}
}

func TestSpecificationEnsureValidRejectsNone(t *testing.T) {
	spec := Specification{}
	if err := spec.EnsureValid(); err == nil {
		t.Fatal("expected an error for no selection mechanism")
	}
}

func TestSelectorAll(t *testing.T) {
	sel, err := New(Specification{All: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !sel.SelectsPip(999, nil) {
		t.Fatal("expected All selector to select every pip")
	}
}

func TestSelectorByID(t *testing.T) {
	sel, err := New(Specification{IDs: []uint32{1, 3}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !sel.SelectsPip(1, nil) || !sel.SelectsPip(3, nil) {
		t.Fatal("expected listed ids to be selected")
	}
	if sel.SelectsPip(2, nil) {
		t.Fatal("expected unlisted id to be unselected")
	}
}

func TestSelectorByLabel(t *testing.T) {
	sel, err := New(Specification{LabelSelector: "team=core,!experimental"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !sel.SelectsPip(1, map[string]string{"team": "core"}) {
		t.Fatal("expected matching labels to be selected")
	}
	if sel.SelectsPip(2, map[string]string{"team": "core", "experimental": "true"}) {
		t.Fatal("expected the !experimental constraint to exclude this pip")
	}
	if sel.SelectsPip(3, map[string]string{"team": "edge"}) {
		t.Fatal("expected a different team label to be unselected")
	}
}

func TestSelectorByLabelRejectsBadSyntax(t *testing.T) {
	_, err := New(Specification{LabelSelector: "=="})
	if err == nil {
		t.Fatal("expected a parse error for invalid label selector syntax")
	}
}

func TestForceSkipSet(t *testing.T) {
	set := NewForceSkipSet()
	if set.Contains(5) {
		t.Fatal("expected empty set to contain nothing")
	}
	set.Add(5)
	if !set.Contains(5) {
		t.Fatal("expected id 5 to be force-skipped after Add")
	}
	if set.Len() != 1 {
		t.Fatalf("expected Len()==1, got %d", set.Len())
	}
}
