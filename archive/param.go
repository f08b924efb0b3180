package archive

import (
	"errors"
	"fmt"
)

// ErrEmptyParamName is returned when a Param is built without a name.
var ErrEmptyParamName = errors.New("param name is required")

// Param is one posted name/value pair, or the descriptor of an uploaded file.
// A Param is immutable once constructed.
type Param struct {
	name        string
	value       string
	fileName    string
	contentType string
	comment     string
}

// NewParam creates a simple form field.
func NewParam(name, value string) (Param, error) {
	return NewParamWithComment(name, value, "", "", "")
}

// NewUploadParam creates a file upload descriptor. The file contents are not held by the param.
func NewUploadParam(name, fileName, contentType string) (Param, error) {
	return NewParamWithComment(name, "", fileName, contentType, "")
}

// NewParamWithComment creates a param with every attribute set.
func NewParamWithComment(name, value, fileName, contentType, comment string) (Param, error) {
	if name == "" {
		return Param{}, ErrEmptyParamName
	}
	return Param{
		name:        name,
		value:       value,
		fileName:    fileName,
		contentType: contentType,
		comment:     comment,
	}, nil
}

// MustParam is NewParam for callers holding a known non-empty name.
func MustParam(name, value string) Param {
	p, err := NewParam(name, value)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Param) Name() string        { return p.name }
func (p Param) Value() string       { return p.value }
func (p Param) FileName() string    { return p.fileName }
func (p Param) ContentType() string { return p.contentType }
func (p Param) Comment() string     { return p.comment }

// IsUpload reports whether the param describes a file upload.
func (p Param) IsUpload() bool {
	return p.fileName != ""
}

// WithValue returns a copy of the param carrying a different value.
func (p Param) WithValue(value string) Param {
	p.value = value
	return p
}

func (p Param) String() string {
	if p.IsUpload() {
		return fmt.Sprintf("Param{name=%s, fileName=%s, contentType=%s}", p.name, p.fileName, p.contentType)
	}
	return fmt.Sprintf("Param{name=%s, value=%s}", p.name, p.value)
}
