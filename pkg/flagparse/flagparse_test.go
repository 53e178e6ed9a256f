package flagparse

import (
	"slices"
	"testing"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Mixed Quoted and Unquoted", "a,'b,c',d", []string{"a", "b,c", "d"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Partitions", "/backup1,/backup2", []string{"/backup1", "/backup2"}},
		{"MySQL servers", "main:8.0, replica:5.7", []string{"main:8.0", "replica:5.7"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				return
			}

			if !slices.Equal(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Run("only set flags are returned", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"push", "-to-path", "/backup/www1", "-retention", "14"})
		if err != nil {
			t.Fatal(err)
		}
		if cmd != Push {
			t.Errorf("command = %v, want push", cmd)
		}
		if flags["to-path"] != "/backup/www1" || flags["retention"] != 14 {
			t.Errorf("unexpected flags %v", flags)
		}
		if _, ok := flags["compression"]; ok {
			t.Error("unset flag 'compression' must not be in the map")
		}
	})

	t.Run("global flags apply to every command", func(t *testing.T) {
		_, flags, err := Parse([]string{"prune", "-quiet", "-server-root", "/backup/www1", "-retention", "7"})
		if err != nil {
			t.Fatal(err)
		}
		if flags["quiet"] != true {
			t.Errorf("quiet = %v, want true", flags["quiet"])
		}
	})

	t.Run("list flags are parsed", func(t *testing.T) {
		_, flags, err := Parse([]string{"serve", "-partitions", "/b1,/b2", "-data-index=false"})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(flags["partitions"].([]string), []string{"/b1", "/b2"}) {
			t.Errorf("partitions = %v", flags["partitions"])
		}
		if flags["data-index"] != false {
			t.Errorf("data-index = %v, want false", flags["data-index"])
		}
	})

	t.Run("flags of other commands are rejected", func(t *testing.T) {
		if _, _, err := Parse([]string{"clean-index", "-retention", "7"}); err == nil {
			t.Error("expected an error for a push flag on clean-index")
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		if _, _, err := Parse([]string{"backup"}); err == nil {
			t.Error("expected error for unknown command")
		}
		if _, _, err := Parse([]string{"none"}); err == nil {
			t.Error("'none' must not be accepted as a command")
		}
	})

	t.Run("version takes no flags", func(t *testing.T) {
		cmd, flags, err := Parse([]string{"version"})
		if err != nil || cmd != Version || flags != nil {
			t.Errorf("Parse(version) = %v, %v, %v", cmd, flags, err)
		}
	})
}

func TestCommandString(t *testing.T) {
	for c := Serve; c <= Version; c++ {
		parsed, err := ParseCommand(c.String())
		if err != nil || parsed != c {
			t.Errorf("ParseCommand(%q) = %v, %v", c.String(), parsed, err)
		}
	}
}
