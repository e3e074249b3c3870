package runtime

import (
	"errors"
	"reflect"
	"testing"

	"caserun/internal/domain/execution"
)

func TestDefaultProfilesAreValid(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(DefaultProfiles()...)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	want := []execution.Language{
		execution.LanguageC,
		execution.LanguageCPP,
		execution.LanguageGo,
		execution.LanguageJava,
		execution.LanguageJavaScript,
		execution.LanguagePython,
		execution.LanguageRuby,
	}
	var got []execution.Language
	for _, p := range reg.Profiles() {
		got = append(got, p.Language)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected languages %v, got %v", want, got)
	}
}

func TestRegistryLookupUnknownLanguage(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(DefaultProfiles()...)
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}

	_, err = reg.Lookup("cobol")
	if !errors.Is(err, execution.ErrUnsupportedLanguage) {
		t.Fatalf("expected unsupported language error, got %v", err)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	p := Profile{Language: "python", Image: "python", SourceFile: "main.py", Command: []string{"python", SourcePlaceholder}}
	if _, err := NewRegistry(p, p); err == nil {
		t.Fatalf("expected duplicate profile error")
	}
}

func TestNewRegistryRejectsInvalidProfiles(t *testing.T) {
	t.Parallel()

	tests := map[string]Profile{
		"missing image":   {Language: "x", SourceFile: "a", Command: []string{"a"}},
		"missing source":  {Language: "x", Image: "img", Command: []string{"a"}},
		"missing command": {Language: "x", Image: "img", SourceFile: "a"},
		"bad input mode":  {Language: "x", Image: "img", SourceFile: "a", Command: []string{"a"}, Input: "pipe"},
		"bad build step":  {Language: "x", Image: "img", SourceFile: "a", Command: []string{"a"}, Build: &BuildStep{Command: []string{"cc"}}},
	}

	for name, profile := range tests {
		profile := profile
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewRegistry(profile); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}

	if _, err := NewRegistry(); err == nil {
		t.Fatalf("expected error for empty registry")
	}
}

func TestNewRegistryDefaultsInputMode(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(Profile{Language: "lua", Image: "lua", SourceFile: "main.lua", Command: []string{"lua", SourcePlaceholder}})
	if err != nil {
		t.Fatalf("NewRegistry returned error: %v", err)
	}
	p, err := reg.Lookup("lua")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if p.Input != InputStdin {
		t.Fatalf("expected stdin input mode, got %q", p.Input)
	}
}

func TestProfileEntrypointResolvesPlaceholder(t *testing.T) {
	t.Parallel()

	p := Profile{SourceFile: "main.py", Command: []string{"python", "-u", SourcePlaceholder}}
	got := p.Entrypoint()
	want := []string{"python", "-u", "main.py"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if p.Command[2] != SourcePlaceholder {
		t.Fatalf("Entrypoint modified the profile command")
	}
}

func TestProfileRunImageFallsBackToImage(t *testing.T) {
	t.Parallel()

	if got := (Profile{Image: "gcc"}).runImage(); got != "gcc" {
		t.Fatalf("expected gcc, got %q", got)
	}
	if got := (Profile{Image: "jdk", RunImage: "jre"}).runImage(); got != "jre" {
		t.Fatalf("expected jre, got %q", got)
	}
}
