// ABOUTME: Tests for version identity constants
package version

import "testing"

func TestVersionDefined(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestProductAndManufacturerDefined(t *testing.T) {
	if Product == "" {
		t.Error("Product should not be empty")
	}
	if Manufacturer == "" {
		t.Error("Manufacturer should not be empty")
	}
}

func TestVersionNotPlaceholder(t *testing.T) {
	placeholders := []string{"TODO", "FIXME", "XXX"}
	for _, p := range placeholders {
		if Version == p {
			t.Errorf("Version should not be a placeholder value: %s", p)
		}
	}
}
