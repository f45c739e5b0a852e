package spawn

import "testing"

func TestResourceFromNameAcceptsPrefixOrBareName(t *testing.T) {
	for _, name := range []string{"RLIMIT_NOFILE", "NOFILE"} {
		if _, err := resourceFromName(name); err != nil {
			t.Errorf("resourceFromName(%q): %v", name, err)
		}
	}
}

func TestResourceFromNameUnknown(t *testing.T) {
	if _, err := resourceFromName("NOT_A_RESOURCE"); err == nil {
		t.Fatal("expected error for unknown resource name")
	}
}
