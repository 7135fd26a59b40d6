package gpioctl

import "testing"

func TestParseActiveLowLine(t *testing.T) {
	cases := []struct {
		in         string
		wantLine   int
		wantActive bool
		wantErr    bool
	}{
		{"16", 16, false, false},
		{"n16", 16, true, false},
		{"N16", 16, true, false},
		{"0x10", 16, false, false},
		{"n0x10", 16, true, false},
		{"", 0, false, true},
		{"nabc", 0, false, true},
		{"abc", 0, false, true},
	}
	for _, c := range cases {
		line, active, err := parseActiveLowLine(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseActiveLowLine(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseActiveLowLine(%q): unexpected error: %v", c.in, err)
			continue
		}
		if line != c.wantLine || active != c.wantActive {
			t.Errorf("parseActiveLowLine(%q) = (%d, %v), want (%d, %v)", c.in, line, active, c.wantLine, c.wantActive)
		}
	}
}

func TestParseKernelArgs(t *testing.T) {
	chip, line, active, err := parseKernelArgs("0:n16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chip != 0 || line != 16 || !active {
		t.Errorf("parseKernelArgs(\"0:n16\") = (%d, %d, %v), want (0, 16, true)", chip, line, active)
	}

	if _, _, _, err := parseKernelArgs("badnoargs"); err == nil {
		t.Error("expected error for malformed kernel args")
	}
	if _, _, _, err := parseKernelArgs("x:16"); err == nil {
		t.Error("expected error for non-numeric gpiochip")
	}

	chip, line, active, err = parseKernelArgs("0x0:16")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chip != 0 || line != 16 || active {
		t.Errorf("parseKernelArgs(\"0x0:16\") = (%d, %d, %v), want (0, 16, false)", chip, line, active)
	}
}

func TestOpenUnknownProvider(t *testing.T) {
	if _, err := Open("tcp:1.2.3.4"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty config")
	}
	if _, err := Open("noseparator"); err == nil {
		t.Error("expected error for malformed config")
	}
}
