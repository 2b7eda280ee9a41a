package auditkit

import "testing"

func TestSanitizeSheetNameReplacesForbiddenChars(t *testing.T) {
	got := SanitizeSheetName(`a/b\c?d*e[f]g:h`)
	want := "a_b_c_d_e_f_g_h"
	if got != want {
		t.Errorf("SanitizeSheetName = %q, want %q", got, want)
	}
}

func TestSanitizeSheetNameTruncatesTo31(t *testing.T) {
	got := SanitizeSheetName("this_is_a_very_long_search_section_name_that_exceeds_the_limit")
	if len(got) > maxSheetNameLength {
		t.Errorf("len(SanitizeSheetName(...)) = %d, want <= %d", len(got), maxSheetNameLength)
	}
}

func TestSanitizeSheetNameTrimsQuotesAndWhitespace(t *testing.T) {
	got := SanitizeSheetName("  'quoted name'  ")
	want := "quoted name"
	if got != want {
		t.Errorf("SanitizeSheetName = %q, want %q", got, want)
	}
}

func TestSanitizeSheetNameIdempotent(t *testing.T) {
	once := SanitizeSheetName("weird/name*with:forbidden[chars]")
	twice := SanitizeSheetName(once)
	if once != twice {
		t.Errorf("sanitizing twice changed the name: %q -> %q", once, twice)
	}
}

func TestSheetNameDeduperSuffixesOnCollision(t *testing.T) {
	d := NewSheetNameDeduper()
	first := d.Assign("password_policy")
	second := d.Assign("password_policy")
	third := d.Assign("password_policy")

	if first != "password_policy" {
		t.Errorf("first assignment = %q, want password_policy", first)
	}
	if second != "password_policy_2" {
		t.Errorf("second assignment = %q, want password_policy_2", second)
	}
	if third != "password_policy_3" {
		t.Errorf("third assignment = %q, want password_policy_3", third)
	}
}

func TestSheetNameDeduperRespectsLengthLimitWithSuffix(t *testing.T) {
	d := NewSheetNameDeduper()
	name := "a_search_section_name_that_is_exactly_at_the_limit"
	first := d.Assign(name)
	second := d.Assign(name)
	if len(first) > maxSheetNameLength || len(second) > maxSheetNameLength {
		t.Fatalf("lengths = %d, %d; want <= %d", len(first), len(second), maxSheetNameLength)
	}
	if first == second {
		t.Errorf("expected distinct sheet names, got %q twice", first)
	}
}
