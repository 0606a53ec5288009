package errors

// ErrorCode identifies a kind of failure. The codes shared by the whole
// program live in codes.go; each package declares its own in errors.go.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Error is a coded error. The With* methods return a modified copy.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
