package proc

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

func TestBuildCommandLineExamples(t *testing.T) {
	cases := []struct {
		name string
		exe  string
		args []string
		want string
	}{
		{"plain", `C:\tools\run.exe`, []string{"a", "b"}, `C:\tools\run.exe a b`},
		{"space in exe", `C:\Program Files\x.exe`, nil, `"C:\Program Files\x.exe"`},
		{"empty arg", "x", []string{""}, `x ""`},
		{"embedded quote", "x", []string{`say "hi"`}, `x "say \"hi\""`},
		{"backslash before quote", "x", []string{`a\"b`}, `x "a\\\"b"`},
		{"trailing backslash", "x", []string{`dir\ `}, `x "dir\\ "`},
		{"tab", "x", []string{"a\tb"}, "x \"a\tb\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := BuildCommandLine(tc.exe, tc.args); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSplitCommandLineExamples(t *testing.T) {
	got := SplitCommandLine(`x  "a b"   c\\d "e\"f" ""`)
	want := []string{"x", "a b", `c\\d`, `e"f`, ""}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

// The command line must re-parse to the original argv byte for byte, for any
// argv. This is the property the Windows backend depends on.
func TestCommandLineRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		exe := rapid.StringMatching(`[^\x00]{1,32}`).Draw(t, "exe")
		args := rapid.SliceOfN(rapid.StringMatching(`[ \t"\\a-z0-9]{0,16}`), 0, 8).Draw(t, "args")

		line := BuildCommandLine(exe, args)
		got := SplitCommandLine(line)

		want := append([]string{exe}, args...)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip failed:\n line %q\n got  %#v\n want %#v", line, got, want)
		}
	})
}
