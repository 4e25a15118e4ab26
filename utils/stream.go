package utils

import (
	"context"
	"fmt"
	"io"
)

// DefaultBufferSize bounds both progress granularity and how quickly a
// cancel takes effect mid-stream.
const DefaultBufferSize = 1024 * 1024

// CopyChunks streams body into sink in fixed chunks. Each chunk is fully
// written before its delta goes out on progressCh, so a cancelled copy
// leaves a clean, resumable sink behind. When expectedSize >= 0 the stream
// must deliver exactly expectedSize-resumeFrom bytes; falling short or
// running over is a SizeError. expectedSize < 0 reads until EOF.
func CopyChunks(ctx context.Context, sink io.Writer, body io.Reader, resumeFrom, expectedSize int64, progressCh chan<- int64, name string) (int64, error) {
	remaining := int64(-1)
	if expectedSize >= 0 {
		remaining = expectedSize - resumeFrom
	}
	buffer := make([]byte, DefaultBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		bytesRead, err := body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := sink.Write(buffer[:bytesRead]); writeErr != nil {
				return written, fmt.Errorf("error writing to staging file: %w", writeErr)
			}
			written += int64(bytesRead)
			if progressCh != nil {
				progressCh <- int64(bytesRead)
			}
			if remaining >= 0 && written > remaining {
				return written, &SizeError{Name: name, Want: expectedSize, Got: resumeFrom + written}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, fmt.Errorf("error reading response body: %w", err)
		}
	}
	if remaining >= 0 && written < remaining {
		return written, &SizeError{Name: name, Want: expectedSize, Got: resumeFrom + written}
	}
	return written, nil
}
