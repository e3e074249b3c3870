package runtime

import (
	"fmt"
	"sort"
	"strings"

	"caserun/internal/domain/execution"
)

// InputMode selects how a test vector's params reach the program.
type InputMode string

const (
	// InputStdin writes the params as a JSON object to stdin.
	InputStdin InputMode = "stdin"
	// InputArgs appends every param, JSON encoded and ordered by name, to argv.
	InputArgs InputMode = "args"
	// InputFile injects the params as input.json next to the source and exports its path in CASE_INPUT.
	InputFile InputMode = "file"
)

// SourcePlaceholder in a profile command is replaced with the source file name.
const SourcePlaceholder = "{source}"

// BuildStep compiles the source once per request in its own sandbox and keeps one artifact.
type BuildStep struct {
	Command      []string
	Artifact     string
	ArtifactMode int64
}

// Profile maps a language to its runtime image and invocation convention.
type Profile struct {
	Language execution.Language
	Image    string
	// RunImage runs the build artifact. Defaults to Image.
	RunImage   string
	SourceFile string
	Build      *BuildStep
	Command    []string
	Input      InputMode
	// CompareCombined compares stdout followed by stderr instead of stdout alone.
	CompareCombined bool
	// Limits override the engine defaults for this language; zero fields keep the default.
	Limits execution.RunLimits
}

// Entrypoint returns the run argv with the source placeholder resolved.
func (p Profile) Entrypoint() []string {
	argv := make([]string, len(p.Command))
	for i, arg := range p.Command {
		argv[i] = strings.ReplaceAll(arg, SourcePlaceholder, p.SourceFile)
	}
	return argv
}

func (p Profile) runImage() string {
	if p.RunImage != "" {
		return p.RunImage
	}
	return p.Image
}

// Validate reports configuration mistakes in the profile.
func (p Profile) Validate() error {
	switch {
	case p.Language == "":
		return fmt.Errorf("profile missing language identifier")
	case p.Image == "":
		return fmt.Errorf("language %q missing image configuration", p.Language)
	case p.SourceFile == "":
		return fmt.Errorf("language %q missing source file name", p.Language)
	case len(p.Command) == 0:
		return fmt.Errorf("language %q missing run command", p.Language)
	}
	switch p.Input {
	case InputStdin, InputArgs, InputFile:
	default:
		return fmt.Errorf("language %q has unknown input mode %q", p.Language, p.Input)
	}
	if p.Build != nil && (len(p.Build.Command) == 0 || p.Build.Artifact == "") {
		return fmt.Errorf("language %q build step needs a command and an artifact", p.Language)
	}
	return nil
}

// Registry is the fixed table of supported languages.
type Registry struct {
	profiles map[execution.Language]Profile
}

// NewRegistry constructs a registry from the supplied profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	reg := &Registry{
		profiles: make(map[execution.Language]Profile, len(profiles)),
	}

	for _, profile := range profiles {
		if profile.Input == "" {
			profile.Input = InputStdin
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		if _, exists := reg.profiles[profile.Language]; exists {
			return nil, fmt.Errorf("duplicate profile for language %q", profile.Language)
		}
		reg.profiles[profile.Language] = profile
	}

	if len(reg.profiles) == 0 {
		return nil, fmt.Errorf("at least one language profile must be registered")
	}

	return reg, nil
}

// Lookup returns the profile for lang or an error matching execution.ErrUnsupportedLanguage.
func (r *Registry) Lookup(lang execution.Language) (Profile, error) {
	profile, ok := r.profiles[lang]
	if !ok {
		return Profile{}, execution.Errorf(execution.KindUnsupportedLanguage, "language %q is not supported", lang)
	}
	return profile, nil
}

// Profiles returns every registered profile ordered by language.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// DefaultProfiles is the built-in language table.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Language:   execution.LanguagePython,
			Image:      "python:3.12-alpine",
			SourceFile: "main.py",
			Command:    []string{"python", "-u", SourcePlaceholder},
			Input:      InputStdin,
		},
		{
			Language:   execution.LanguageJavaScript,
			Image:      "node:22-alpine",
			SourceFile: "main.js",
			Command:    []string{"node", SourcePlaceholder},
			Input:      InputStdin,
		},
		{
			Language:   execution.LanguageRuby,
			Image:      "ruby:3.3-alpine",
			SourceFile: "main.rb",
			Command:    []string{"ruby", SourcePlaceholder},
			Input:      InputStdin,
		},
		{
			Language:   execution.LanguageGo,
			Image:      "golang:1.23-alpine",
			SourceFile: "main.go",
			Build: &BuildStep{
				Command:      []string{"go", "build", "-o", "program", "main.go"},
				Artifact:     "program",
				ArtifactMode: 0o755,
			},
			Command: []string{"./program"},
			Input:   InputStdin,
		},
		{
			Language:   execution.LanguageC,
			Image:      "gcc:14",
			SourceFile: "main.c",
			Build: &BuildStep{
				Command:      []string{"gcc", "-static", "-O2", "-pipe", "-o", "program", "main.c", "-lm"},
				Artifact:     "program",
				ArtifactMode: 0o755,
			},
			Command: []string{"./program"},
			Input:   InputStdin,
		},
		{
			Language:   execution.LanguageCPP,
			Image:      "gcc:14",
			SourceFile: "main.cpp",
			Build: &BuildStep{
				Command:      []string{"g++", "-static", "-O2", "-pipe", "-o", "program", "main.cpp"},
				Artifact:     "program",
				ArtifactMode: 0o755,
			},
			Command: []string{"./program"},
			Input:   InputStdin,
		},
		{
			Language:   execution.LanguageJava,
			Image:      "eclipse-temurin:21-jdk-alpine",
			RunImage:   "eclipse-temurin:21-jre-alpine",
			SourceFile: "Main.java",
			Build: &BuildStep{
				Command:      []string{"sh", "-c", "javac Main.java && jar cfe program.jar Main *.class"},
				Artifact:     "program.jar",
				ArtifactMode: 0o644,
			},
			Command: []string{"java", "-jar", "program.jar"},
			Input:   InputStdin,
			// JVM heap and runtime threads
			Limits: execution.RunLimits{MemoryLimitBytes: 512 << 20, PidsLimit: 256},
		},
	}
}
