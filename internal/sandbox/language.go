package sandbox

// Language describes how one supported language is compiled and run inside
// an isolate box. The set is closed: adding a language means adding an entry
// with its compile (or syntax-check) and run hooks.
type Language struct {
	Name       string
	SourceFile string

	// Compiled languages produce a binary inside the box; interpreted
	// languages only get a syntax-validation pass.
	Compiled bool

	// CompileCommand builds the binary (compiled languages).
	CompileCommand []string

	// CheckCommand validates syntax without executing (interpreted languages).
	CheckCommand []string

	// RunCommand is exec'd inside the box for every testcase.
	RunCommand []string
}

var languages = map[string]Language{
	"python": {
		Name:         "python",
		SourceFile:   "main.py",
		Compiled:     false,
		CheckCommand: []string{"/usr/bin/python3", "-m", "py_compile", "main.py"},
		RunCommand:   []string{"/usr/bin/python3", "main.py"},
	},
	"cpp": {
		Name:           "cpp",
		SourceFile:     "main.cpp",
		Compiled:       true,
		CompileCommand: []string{"/usr/bin/g++", "-std=c++17", "-O2", "-o", "main", "main.cpp"},
		RunCommand:     []string{"./main"},
	},
}

// LookupLanguage returns the language entry for name.
func LookupLanguage(name string) (Language, bool) {
	lang, ok := languages[name]
	return lang, ok
}
