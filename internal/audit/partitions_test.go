package audit

import "testing"

func TestValidPartitionNameValid(t *testing.T) {
	name := "route_updates_20250115"
	if !validPartitionName.MatchString(name) {
		t.Errorf("expected %q to match validPartitionName regex", name)
	}
}

func TestValidPartitionNameInvalid(t *testing.T) {
	invalid := []string{
		"route_updates_abc",
		"other_table_20250115",
		"route_updates_2025011",
		"",
	}
	for _, name := range invalid {
		if validPartitionName.MatchString(name) {
			t.Errorf("expected %q to NOT match validPartitionName regex", name)
		}
	}
}

func TestValidPartitionNameInjectionAttempt(t *testing.T) {
	name := "route_updates_20250115; DROP TABLE x"
	if validPartitionName.MatchString(name) {
		t.Errorf("expected %q to NOT match validPartitionName regex (SQL injection attempt)", name)
	}
}
