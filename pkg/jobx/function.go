package jobx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/ptrx"
)

// HandlerFunc runs one attempt of a job. ctx is cancelled when the job
// times out, is aborted, or the worker shuts down; context.Cause(ctx)
// tells which. Handlers must return promptly once ctx is done: the worker
// waits a short grace period for them and then settles the job without
// the handler's result.
type HandlerFunc func(ctx context.Context, job *JobContext) Outcome

// Handle adapts a plain (value, error) function to a HandlerFunc.
func Handle(fn func(ctx context.Context, job *JobContext) (any, error)) HandlerFunc {
	return func(ctx context.Context, job *JobContext) Outcome {
		v, err := fn(ctx, job)
		if err != nil {
			return Fail(err)
		}
		return Success(v)
	}
}

type outcomeKind uint8

const (
	outcomeSuccess outcomeKind = iota + 1
	outcomeRetry
	outcomeFailure
)

// Outcome is what a handler reports: a value, a request to run again,
// or a failure.
type Outcome struct {
	kind  outcomeKind
	value any
	delay time.Duration
	err   error
}

func Success(value any) Outcome {
	return Outcome{kind: outcomeSuccess, value: value}
}

// Retry asks for the job to be run again after deferBy (or as soon as
// possible when deferBy is zero). It counts against the function's
// max tries.
func Retry(deferBy time.Duration) Outcome {
	return Outcome{kind: outcomeRetry, delay: deferBy}
}

func Fail(err error) Outcome {
	if err == nil {
		err = errors.New("job failed")
	}
	return Outcome{kind: outcomeFailure, err: err}
}

func (o Outcome) String() string {
	switch o.kind {
	case outcomeSuccess:
		return fmt.Sprintf("success(%v)", o.value)
	case outcomeRetry:
		return fmt.Sprintf("retry(%s)", o.delay)
	case outcomeFailure:
		return fmt.Sprintf("failure(%v)", o.err)
	default:
		return "none"
	}
}

// JobContext is the job as handed to a handler.
type JobContext struct {
	JobID       string
	Function    string
	JobTry      int
	EnqueueTime time.Time
	// Score is the queue score the job was claimed at, in unix ms
	Score      int64
	QueueName  string
	WorkerName string
	Args       []any
	Kwargs     map[string]any

	codec Codec
}

// ArgsInto decodes the positional arguments into the given pointers, in
// order. Extra arguments are ignored; missing ones are an error.
func (j *JobContext) ArgsInto(dst ...any) error {
	if len(dst) > len(j.Args) {
		return jobxErrors.NewWithMessage(ErrInvalidArguments,
			fmt.Sprintf("%s expects %d arguments, got %d", j.Function, len(dst), len(j.Args)))
	}
	for i, d := range dst {
		if err := convert(j.codec, j.Args[i], d); err != nil {
			return jobxErrors.NewWithCause(ErrInvalidArguments, err).WithDetail("position", i)
		}
	}
	return nil
}

// KwargsInto decodes the keyword arguments into dst, usually a struct.
func (j *JobContext) KwargsInto(dst any) error {
	kwargs := j.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	if err := convert(j.codec, kwargs, dst); err != nil {
		return jobxErrors.NewWithCause(ErrInvalidArguments, err)
	}
	return nil
}

// Function registers a handler under a name. Nil overrides fall back to
// the worker's defaults.
type Function struct {
	Name    string
	Handler HandlerFunc

	Timeout           *time.Duration
	MaxTries          *int
	KeepResult        *time.Duration
	KeepResultForever *bool
}

// NewFunction is a shorthand for a Function without overrides.
func NewFunction(name string, handler HandlerFunc) Function {
	return Function{Name: name, Handler: handler}
}

func (f Function) WithTimeout(d time.Duration) Function {
	f.Timeout = ptrx.Duration(d)
	return f
}

func (f Function) WithMaxTries(n int) Function {
	f.MaxTries = ptrx.Int(n)
	return f
}

func (f Function) WithKeepResult(d time.Duration) Function {
	f.KeepResult = ptrx.Duration(d)
	return f
}

func (f Function) WithKeepResultForever(v bool) Function {
	f.KeepResultForever = ptrx.Bool(v)
	return f
}

func (f Function) validate() error {
	if f.Name == "" {
		return jobxErrors.NewWithMessage(ErrInvalidFunction, "function name is required")
	}
	if f.Handler == nil {
		return jobxErrors.NewWithMessage(ErrInvalidFunction, "function handler is required").WithDetail("function", f.Name)
	}
	if f.MaxTries != nil && *f.MaxTries < 1 {
		return jobxErrors.NewWithMessage(ErrInvalidFunction, "max tries must be at least 1").WithDetail("function", f.Name)
	}
	if f.Timeout != nil && *f.Timeout <= 0 {
		return jobxErrors.NewWithMessage(ErrInvalidFunction, "timeout must be positive").WithDetail("function", f.Name)
	}
	return nil
}

// settings are a function's effective limits once worker defaults apply.
type settings struct {
	timeout           time.Duration
	maxTries          int
	keepResult        time.Duration
	keepResultForever bool
}

func (f Function) resolve(o WorkerOptions) settings {
	return settings{
		timeout:           ptrx.ValueOr(f.Timeout, o.JobTimeout),
		maxTries:          ptrx.ValueOr(f.MaxTries, o.MaxTries),
		keepResult:        ptrx.ValueOr(f.KeepResult, o.KeepResult),
		keepResultForever: ptrx.ValueOr(f.KeepResultForever, o.KeepResultForever),
	}
}
