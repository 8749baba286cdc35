package llm

import "context"

// Part is one element of a prompt: either plain text or inline media.
type Part struct {
	Text       string
	InlineData *Blob
}

// Blob is base64-encoded inline media with its mime type.
type Blob struct {
	MIMEType string
	Data     string
}

// Reply is a generated response. Text may be empty when the model answered
// with media only; media parts are appended without a typing reveal.
type Reply struct {
	Text       string
	ImageParts []Blob
	AudioParts []Blob
}

func (r Reply) HasMedia() bool {
	return len(r.ImageParts) > 0 || len(r.AudioParts) > 0
}

type Client interface {
	Generate(ctx context.Context, parts []Part) (Reply, error)
}

func TextPart(text string) Part { return Part{Text: text} }

func DataPart(mimeType, data string) Part {
	return Part{InlineData: &Blob{MIMEType: mimeType, Data: data}}
}
