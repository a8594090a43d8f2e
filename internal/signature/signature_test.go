package signature

import "testing"

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  Hello   World\n\tFoo  ")
	want := "hello world foo"
	if got != want {
		t.Fatalf("NormalizeText() = %q, want %q", got, want)
	}
}

func TestNormalizeCommandSignature(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pytest tests -k failing_case --maxfail=1", "pytest tests -k failing_case --maxfail=<num>"},
		{`FOO=bar BAZ=1 git commit -m "fix thing"`, "git commit -m <str>"},
	}
	for _, c := range cases {
		got := NormalizeCommandSignature(c.in)
		if got != c.want {
			t.Errorf("NormalizeCommandSignature(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeCommandSignatureBounds(t *testing.T) {
	long := ""
	for i := 0; i < 500; i++ {
		long += "x"
	}
	got := NormalizeCommandSignature(long)
	if len([]rune(got)) > 240 {
		t.Fatalf("signature exceeds 240 runes: %d", len([]rune(got)))
	}
}

func TestExtractErrorSignatures(t *testing.T) {
	output := "running tests\nModuleNotFoundError: No module named 'foo'\nok\nFAILED tests/test_x.py::test_y\n"
	sigs := ExtractErrorSignatures(output, 2)
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures, got %d: %v", len(sigs), sigs)
	}
}

func TestExtractErrorSignaturesLimit(t *testing.T) {
	output := "Error: one\nError: two\nError: three\n"
	sigs := ExtractErrorSignatures(output, 1)
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigs))
	}
}

func TestAreNearDuplicate(t *testing.T) {
	if !AreNearDuplicate("pants build target", "pants build target", 0.95) {
		t.Fatal("byte-equal strings should be near-duplicate")
	}

	long := "pytest tests/test_module_with_a_long_descriptive_name_here.py -k test_specific_case_here_also_long --maxfail=1 -v --tb=short"
	longTweaked := long[:len(long)-1] + "2"
	if !AreNearDuplicate(long, longTweaked, 0.95) {
		t.Fatal("single trailing-char edit of a long string should be near-duplicate at 0.95")
	}

	if AreNearDuplicate("pants build target", "go test ./...", 0.95) {
		t.Fatal("unrelated commands should not be near-duplicate")
	}
}

func TestNormalizeCommandSignatureStripsRelativePrefix(t *testing.T) {
	a := NormalizeCommandSignature("pants build sophon:auto_eval_job")
	b := NormalizeCommandSignature("./pants build sophon:auto_eval_job")
	if a != b {
		t.Fatalf("signatures should match after stripping ./ prefix: %q vs %q", a, b)
	}
}
