package archive

// BodyKind tags which half of a PostData carries data.
type BodyKind int

const (
	BodyText BodyKind = iota
	BodyParams
)

func (k BodyKind) String() string {
	switch k {
	case BodyText:
		return "text"
	case BodyParams:
		return "params"
	default:
		return "unknown"
	}
}

// PostData is the decoded body of a captured request. Exactly one of text or params is meaningful,
// selected by Kind.
type PostData struct {
	kind     BodyKind
	mimeType string
	text     string
	params   []Param
}

// NewTextPostData creates raw text post data.
func NewTextPostData(mimeType, text string) PostData {
	return PostData{
		kind:     BodyText,
		mimeType: mimeType,
		text:     text,
	}
}

// NewParamsPostData creates decoded field post data. The params slice is copied.
func NewParamsPostData(mimeType string, params []Param) PostData {
	copied := make([]Param, len(params))
	copy(copied, params)
	return PostData{
		kind:     BodyParams,
		mimeType: mimeType,
		params:   copied,
	}
}

func (d PostData) Kind() BodyKind   { return d.kind }
func (d PostData) MimeType() string { return d.mimeType }

// Text returns the raw body text, empty for BodyParams.
func (d PostData) Text() string { return d.text }

// Params returns a copy of the decoded fields, empty for BodyText.
func (d PostData) Params() []Param {
	if len(d.params) == 0 {
		return []Param{}
	}
	copied := make([]Param, len(d.params))
	copy(copied, d.params)
	return copied
}
