// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
)

// AsyncLogger buffers writes to an underlying io.Writer through a
// channel, so a slow or stalled destination (a rotating log file on a
// busy disk) never blocks the caller. Writes beyond the buffer are
// dropped rather than queued indefinitely.
type AsyncLogger struct {
	w    io.Writer
	ch   chan []byte
	done chan struct{}
}

// NewAsyncLogger starts a background writer goroutine flushing to w,
// with room for bufferSize pending writes.
func NewAsyncLogger(w io.Writer, bufferSize int) *AsyncLogger {
	a := &AsyncLogger{
		w:    w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Write never blocks: if the internal buffer is full, the message is
// dropped and a warning is printed to stderr.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case a.ch <- data:
	default:
		fmt.Fprintln(os.Stderr, "asynclogger: log buffer is full, dropping message.")
	}
	return len(p), nil
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for data := range a.ch {
		if _, err := a.w.Write(data); err != nil {
			return
		}
	}
}

// Close drains any buffered writes and waits for the writer goroutine to
// finish. If the underlying writer is also an io.Closer, it is closed.
func (a *AsyncLogger) Close() error {
	close(a.ch)
	<-a.done
	if c, ok := a.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
