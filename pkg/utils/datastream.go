package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Data stream part codes understood by the browser AI SDK.
const (
	PartText          = '0'
	PartError         = '3'
	PartFinishMessage = 'd'
	PartFinishStep    = 'e'
	PartStartStep     = 'f'
	PartReasoning     = 'g'
	PartSource        = 'h'
)

// SetupDataStreamHeaders marks the response as a v1 data stream.
func SetupDataStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Vercel-AI-Data-Stream", "v1")
}

// WriteDataStreamPart writes one "<code>:<json>\n" line and flushes it.
func WriteDataStreamPart(w http.ResponseWriter, flusher http.Flusher, code byte, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal data stream part %c: %w", code, err)
	}

	line := make([]byte, 0, len(data)+3)
	line = append(line, code, ':')
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
