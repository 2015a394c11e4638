package isolate

import (
	"context"
	"fmt"
)

type (
	// EntryPoint is the function a new isolate starts in. For isolates
	// started from a script URL, args are the isolate arguments. It runs on
	// the isolate's mutator; returning a non-nil error is equivalent to an
	// unhandled exception.
	EntryPoint func(iso *Isolate, args []string, message Value) error

	// EntryRef names an entry point, resolved lazily inside the new isolate.
	// An empty LibraryURL refers to the program's root library, and an empty
	// ClassName to a top level function.
	EntryRef struct {
		LibraryURL   string
		ClassName    string
		FunctionName string
	}

	// Program is the loaded code an isolate runs. It is provided by the
	// embedder; the compiler and object model are outside this package.
	Program interface {
		ScriptURL() string
		// RootLibrary returns nil if there is none.
		RootLibrary() Library
		// LookupLibrary returns nil if url is not loaded.
		LookupLibrary(url string) Library
	}

	// Library is a unit of a Program.
	Library interface {
		URL() string
		// LookupFunction returns nil if there is no such top level function.
		LookupFunction(name string) EntryPoint
		// LookupClass returns nil if there is no such class.
		LookupClass(name string) Class
	}

	// Class groups static functions.
	Class interface {
		Name() string
		// LookupStaticFunction returns nil if there is no such function.
		LookupStaticFunction(name string) EntryPoint
	}

	// ProgramLoader loads the program for an isolate spawned from a URL.
	ProgramLoader interface {
		LoadProgram(ctx context.Context, scriptURL string) (Program, error)
	}

	// ProgramLoaderFunc implements ProgramLoader.
	ProgramLoaderFunc func(ctx context.Context, scriptURL string) (Program, error)
)

// LoadProgram implements ProgramLoader.
func (f ProgramLoaderFunc) LoadProgram(ctx context.Context, scriptURL string) (Program, error) {
	return f(ctx, scriptURL)
}

func (r EntryRef) String() string {
	if r.ClassName != "" {
		return r.ClassName + "." + r.FunctionName
	}
	return r.FunctionName
}

// StaticProgram is a Program backed by maps.
type StaticProgram struct {
	Libraries map[string]*StaticLibrary
	URL       string
	// Root is the URL of the root library.
	Root string
}

// StaticLibrary is a Library backed by maps.
type StaticLibrary struct {
	Functions map[string]EntryPoint
	Classes   map[string]*StaticClass
	LibURL    string
}

// StaticClass is a Class backed by a map.
type StaticClass struct {
	Functions map[string]EntryPoint
	ClassName string
}

// NewScript returns a single library program whose root library defines
// the given top level functions.
func NewScript(url string, functions map[string]EntryPoint) *StaticProgram {
	return &StaticProgram{
		URL:  url,
		Root: url,
		Libraries: map[string]*StaticLibrary{
			url: {LibURL: url, Functions: functions},
		},
	}
}

func (p *StaticProgram) ScriptURL() string { return p.URL }

func (p *StaticProgram) RootLibrary() Library { return p.LookupLibrary(p.Root) }

func (p *StaticProgram) LookupLibrary(url string) Library {
	if lib, ok := p.Libraries[url]; ok && lib != nil {
		return lib
	}
	return nil
}

func (l *StaticLibrary) URL() string { return l.LibURL }

func (l *StaticLibrary) LookupFunction(name string) EntryPoint { return l.Functions[name] }

func (l *StaticLibrary) LookupClass(name string) Class {
	if c, ok := l.Classes[name]; ok && c != nil {
		return c
	}
	return nil
}

func (c *StaticClass) Name() string { return c.ClassName }

func (c *StaticClass) LookupStaticFunction(name string) EntryPoint { return c.Functions[name] }

// StaticLoader is a ProgramLoader serving programs by script URL.
type StaticLoader map[string]Program

// LoadProgram implements ProgramLoader.
func (l StaticLoader) LoadProgram(_ context.Context, scriptURL string) (Program, error) {
	if p, ok := l[scriptURL]; ok && p != nil {
		return p, nil
	}
	return nil, &LanguageError{Message: fmt.Sprintf("Unable to load script '%s'.", scriptURL)}
}
