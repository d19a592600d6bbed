package a2a

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/portcullis/internal/worker"
)

// ErrEmptyContent is returned when a message has no usable content
var ErrEmptyContent = errors.New("message has no content")

// imageMimeTypes is the whitelist of MIME types forwarded as image blocks
var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ConvertParts turns A2A message parts into worker input: a plain string
// when every part is text, otherwise a content-block sequence. File parts
// carrying only a URI are surfaced as explanatory text, never silently
// dropped.
func ConvertParts(parts []Part) (interface{}, error) {
	if allText(parts) {
		var texts []string
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		joined := strings.Join(texts, "\n")
		if strings.TrimSpace(joined) == "" {
			return nil, ErrEmptyContent
		}
		return joined, nil
	}

	var blocks []worker.ContentBlock
	for _, p := range parts {
		switch p.Kind {
		case "text":
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			blocks = append(blocks, worker.TextBlock(p.Text))
		case "file":
			block, ok := convertFilePart(p.File)
			if ok {
				blocks = append(blocks, block)
			}
		case "data":
			if len(p.Data) == 0 {
				continue
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, p.Data, "", "  "); err != nil {
				blocks = append(blocks, worker.TextBlock(string(p.Data)))
			} else {
				blocks = append(blocks, worker.TextBlock(pretty.String()))
			}
		}
	}
	if len(blocks) == 0 {
		return nil, ErrEmptyContent
	}
	return blocks, nil
}

func convertFilePart(f *FilePart) (worker.ContentBlock, bool) {
	if f == nil {
		return worker.ContentBlock{}, false
	}
	if f.Bytes != "" {
		if imageMimeTypes[f.MimeType] {
			return worker.ImageBlock(f.MimeType, f.Bytes), true
		}
		return worker.DocumentBlock(f.Name, f.MimeType, f.Bytes), true
	}
	if f.URI != "" {
		name := f.Name
		if name == "" {
			name = "file"
		}
		return worker.TextBlock(fmt.Sprintf("[The client referenced %s at %s; remote files are not fetched. Ask the client to send the content inline.]", name, f.URI)), true
	}
	return worker.ContentBlock{}, false
}

func allText(parts []Part) bool {
	for _, p := range parts {
		if p.Kind != "text" {
			return false
		}
	}
	return len(parts) > 0
}
