package isolate

import (
	"fmt"
)

// SpawnOptions are the parent supplied settings of a spawned isolate.
type SpawnOptions struct {
	// OnExit, if valid, receives a nil message when the isolate exits.
	OnExit SendPort
	// OnError, if valid, receives `[error, stack]` for unhandled errors.
	OnError SendPort

	// DebugName names the isolate in logs and diagnostics.
	DebugName string

	// Paused starts the isolate paused, resumable with its pause
	// capability (as the resume capability).
	Paused bool

	// ErrorsAreNotFatal keeps the isolate running after an unhandled error.
	ErrorsAreNotFatal bool
}

// SpawnState carries everything needed to start a spawned isolate. It is
// created by the spawner and consumed by the new isolate's startup callback.
type SpawnState struct {
	program Program
	message []byte
	args    []byte

	parentPort SendPort
	onExit     SendPort
	onError    SendPort

	entry     EntryRef
	scriptURL string
	debugName string

	originID uint64

	paused         bool
	errorsAreFatal bool
	isSpawnURI     bool
}

// NewSpawnState describes a spawn of a function of the spawner's own
// program. With canSendAny (the isolates share an origin) the message may be
// any object graph SerializeAny accepts.
func NewSpawnState(parent SendPort, originID uint64, program Program, entry EntryRef, message Value, canSendAny bool, opts SpawnOptions) (*SpawnState, error) {
	if program == nil {
		return nil, fmt.Errorf("isolate: spawn %s: nil program", entry)
	}
	serialize := Serialize
	if canSendAny {
		serialize = SerializeAny
	}
	b, err := serialize(message)
	if err != nil {
		return nil, fmt.Errorf("isolate: spawn %s: message: %w", entry, err)
	}
	s := newSpawnState(parent, opts)
	s.program = program
	s.scriptURL = program.ScriptURL()
	s.entry = entry
	s.originID = originID
	s.message = b
	if s.debugName == "" {
		s.debugName = entry.String()
	}
	return s, nil
}

// NewSpawnURIState describes a spawn of a fresh program, loaded by the
// runtime's ProgramLoader, starting at its root library's main function.
// Both args and message are restricted to transferable values.
func NewSpawnURIState(parent SendPort, scriptURL string, args []string, message Value, opts SpawnOptions) (*SpawnState, error) {
	a, err := Serialize(args)
	if err != nil {
		return nil, fmt.Errorf("isolate: spawn %s: args: %w", scriptURL, err)
	}
	b, err := Serialize(message)
	if err != nil {
		return nil, fmt.Errorf("isolate: spawn %s: message: %w", scriptURL, err)
	}
	s := newSpawnState(parent, opts)
	s.scriptURL = scriptURL
	s.entry = EntryRef{FunctionName: "main"}
	s.isSpawnURI = true
	s.args = a
	s.message = b
	if s.debugName == "" {
		s.debugName = scriptURL
	}
	return s, nil
}

func newSpawnState(parent SendPort, opts SpawnOptions) *SpawnState {
	return &SpawnState{
		parentPort:     parent,
		onExit:         opts.OnExit,
		onError:        opts.OnError,
		debugName:      opts.DebugName,
		paused:         opts.Paused,
		errorsAreFatal: !opts.ErrorsAreNotFatal,
	}
}

// IsSpawnURI reports whether this spawn loads a fresh program.
func (s *SpawnState) IsSpawnURI() bool { return s.isSpawnURI }

// Paused reports whether the isolate starts paused.
func (s *SpawnState) Paused() bool { return s.paused }

// ScriptURL returns the script of the spawned program.
func (s *SpawnState) ScriptURL() string { return s.scriptURL }

// DebugName returns the name of the spawned isolate.
func (s *SpawnState) DebugName() string { return s.debugName }

// ResolveFunction looks up the entry point in the program. It runs inside
// the new isolate, so that targets loaded after the spawn request was made
// still resolve. Failures are LanguageErrors.
func (s *SpawnState) ResolveFunction() (EntryPoint, error) {
	if s.program == nil {
		return nil, &LanguageError{Message: fmt.Sprintf("Unable to load script '%s'.", s.scriptURL)}
	}

	if s.isSpawnURI {
		var fn EntryPoint
		if lib := s.program.RootLibrary(); lib != nil {
			fn = lib.LookupFunction(s.entry.FunctionName)
		}
		if fn == nil {
			return nil, &LanguageError{Message: fmt.Sprintf(
				"Unable to resolve function '%s' in script '%s'.", s.entry.FunctionName, s.scriptURL)}
		}
		return fn, nil
	}

	var lib Library
	if s.entry.LibraryURL == "" {
		lib = s.program.RootLibrary()
	} else {
		lib = s.program.LookupLibrary(s.entry.LibraryURL)
	}
	if lib == nil {
		return nil, &LanguageError{Message: fmt.Sprintf("Unable to find library '%s'.", s.entry.LibraryURL)}
	}

	if s.entry.ClassName == "" {
		fn := lib.LookupFunction(s.entry.FunctionName)
		if fn == nil {
			return nil, &LanguageError{Message: fmt.Sprintf(
				"Unable to resolve function '%s' in library '%s'.", s.entry.FunctionName, lib.URL())}
		}
		return fn, nil
	}

	cls := lib.LookupClass(s.entry.ClassName)
	if cls == nil {
		return nil, &LanguageError{Message: fmt.Sprintf(
			"Unable to resolve class '%s' in library '%s'.", s.entry.ClassName, lib.URL())}
	}
	fn := cls.LookupStaticFunction(s.entry.FunctionName)
	if fn == nil {
		return nil, &LanguageError{Message: fmt.Sprintf(
			"Unable to resolve static method '%s.%s' in library '%s'.", s.entry.ClassName, s.entry.FunctionName, lib.URL())}
	}
	return fn, nil
}

// BuildArgs deserializes the isolate arguments. Function spawns have none.
func (s *SpawnState) BuildArgs() ([]string, error) {
	if s.args == nil {
		return nil, nil
	}
	v, err := Deserialize(s.args)
	if err != nil {
		return nil, &DeserializationError{Cause: err}
	}
	list, ok := v.([]any)
	if !ok && v != nil {
		return nil, &DeserializationError{Cause: fmt.Errorf("isolate: args of type %T", v)}
	}
	args := make([]string, len(list))
	for i, arg := range list {
		if args[i], ok = arg.(string); !ok {
			return nil, &DeserializationError{Cause: fmt.Errorf("isolate: argument %d of type %T", i, arg)}
		}
	}
	return args, nil
}

// BuildMessage deserializes the initial message.
func (s *SpawnState) BuildMessage() (Value, error) {
	if s.message == nil {
		return nil, nil
	}
	v, err := Deserialize(s.message)
	if err != nil {
		return nil, &DeserializationError{Cause: err}
	}
	return v, nil
}
