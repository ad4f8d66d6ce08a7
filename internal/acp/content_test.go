package acp

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("fake PNG content"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	att, err := ImageFile(path, "")
	if err != nil {
		t.Fatalf("ImageFile failed: %v", err)
	}
	if att.Kind != AttachmentImage {
		t.Errorf("Kind = %q, want %q", att.Kind, AttachmentImage)
	}
	if att.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", att.MimeType)
	}
	if att.Name != "shot.png" {
		t.Errorf("Name = %q, want shot.png", att.Name)
	}
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		t.Fatalf("failed to decode base64 data: %v", err)
	}
	if string(decoded) != "fake PNG content" {
		t.Errorf("decoded data = %q", decoded)
	}
}

func TestImageFile_NotFound(t *testing.T) {
	if _, err := ImageFile("/nonexistent/file.png", "image/png"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestTextFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(path, []byte("# Notes"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	att, err := TextFile(path)
	if err != nil {
		t.Fatalf("TextFile failed: %v", err)
	}
	block := att.ContentBlock()
	if block.Text == nil {
		t.Fatal("expected text block")
	}
	if !strings.Contains(block.Text.Text, "=== File: notes.md ===") || !strings.Contains(block.Text.Text, "# Notes") {
		t.Errorf("unexpected block text %q", block.Text.Text)
	}
}

func TestResourceLink(t *testing.T) {
	att := ResourceLink("", "/tmp/data.bin")
	if att.URI != "file:///tmp/data.bin" {
		t.Errorf("URI = %q", att.URI)
	}
	if att.Name != "data.bin" {
		t.Errorf("Name = %q", att.Name)
	}

	att = ResourceLink("docs", "https://example.com/docs")
	if att.URI != "https://example.com/docs" || att.Name != "docs" {
		t.Errorf("unexpected link %+v", att)
	}
}

func TestBuildContentBlocks(t *testing.T) {
	blocks := BuildContentBlocks("describe this", []Attachment{
		{Kind: AttachmentImage, Data: "aGVsbG8=", MimeType: "image/png", Name: "a.png"},
	})
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Image == nil {
		t.Error("first block should be the image")
	}
	if blocks[1].Text == nil || blocks[1].Text.Text != "describe this" {
		t.Error("last block should be the prompt text")
	}

	if got := BuildContentBlocks("", nil); len(got) != 0 {
		t.Errorf("empty prompt produced %d blocks", len(got))
	}
}
