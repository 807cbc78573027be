package executor

import "testing"

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "'plain'"},
		{"", "''"},
		{"two words", "'two words'"},
		{"don't", `'don'\''t'`},
		{"$HOME `id`", "'$HOME `id`'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestShellCommand(t *testing.T) {
	got := ShellCommand(nil, "make install")
	if got != "bash -c 'make install'" {
		t.Errorf("ShellCommand() = %q", got)
	}

	got = ShellCommand(map[string]string{"DIST": "fc42", "ARCH": "x86_64"}, "echo don't")
	want := `env ARCH='x86_64' DIST='fc42' bash -c 'echo don'\''t'`
	if got != want {
		t.Errorf("ShellCommand() = %q, want %q", got, want)
	}
}

func TestShellExports(t *testing.T) {
	got := ShellExports(map[string]string{
		"B_VAR": "with space",
		"A_VAR": "plain",
	})
	want := "export A_VAR='plain'\nexport B_VAR='with space'\n"
	if got != want {
		t.Errorf("ShellExports() = %q, want %q", got, want)
	}

	if got := ShellExports(nil); got != "" {
		t.Errorf("ShellExports(nil) = %q, want empty", got)
	}
}
