package acp

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/coder/acp-go-sdk"
)

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentTextFile = "text_file"
	AttachmentResource = "resource"
)

// Attachment is extra prompt content sent alongside the prompt text.
type Attachment struct {
	// Kind is one of AttachmentImage, AttachmentTextFile or AttachmentResource.
	Kind string `json:"kind"`
	// Data is base64 for images and plain text for text files.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
	// URI is the target of a resource link.
	URI string `json:"uri,omitempty"`
}

// ImageFile reads an image from disk. The MIME type is guessed from the
// extension when empty.
func ImageFile(path, mimeType string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("read image %s: %w", path, err)
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	return Attachment{
		Kind:     AttachmentImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
		Name:     filepath.Base(path),
	}, nil
}

// TextFile reads a text file from disk and inlines its content.
func TextFile(path string) (Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Attachment{
		Kind: AttachmentTextFile,
		Data: string(data),
		Name: filepath.Base(path),
	}, nil
}

// ResourceLink references a file or URL the agent can fetch by itself.
// Plain absolute paths are turned into file:// URIs.
func ResourceLink(name, uri string) Attachment {
	if filepath.IsAbs(uri) {
		uri = "file://" + uri
	}
	if name == "" {
		name = filepath.Base(uri)
	}
	return Attachment{Kind: AttachmentResource, Name: name, URI: uri}
}

// ContentBlock converts the attachment to a protocol content block.
func (a Attachment) ContentBlock() acp.ContentBlock {
	switch a.Kind {
	case AttachmentImage:
		return acp.ImageBlock(a.Data, a.MimeType)
	case AttachmentTextFile:
		return acp.TextBlock(fmt.Sprintf("=== File: %s ===\n%s\n=== End of %s ===", a.Name, a.Data, a.Name))
	case AttachmentResource:
		return acp.ResourceLinkBlock(a.Name, a.URI)
	default:
		return acp.TextBlock("[Attachment: " + a.Name + "]")
	}
}

// BuildContentBlocks assembles the prompt: attachments first so the text
// can refer to them, then the text itself.
func BuildContentBlocks(text string, attachments []Attachment) []acp.ContentBlock {
	blocks := make([]acp.ContentBlock, 0, len(attachments)+1)
	for _, att := range attachments {
		blocks = append(blocks, att.ContentBlock())
	}
	if text != "" {
		blocks = append(blocks, acp.TextBlock(text))
	}
	return blocks
}
