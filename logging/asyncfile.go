package logging

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	werr    error // First write error, reported by Close
}

// NewAsyncFile creates the file (truncating it) and starts the background writer
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 256),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data to be written
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return errors.New("async file is closed")
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	af.queue <- dataCopy
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil {
			af.mu.Lock()
			if af.werr == nil {
				af.werr = err
			}
			af.mu.Unlock()
		}
	}
}

// Close drains the queue and closes the file. It returns the first write error, if any.
// Calling Close more than once is safe.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	closeErr := af.file.Close()

	af.mu.Lock()
	defer af.mu.Unlock()
	if af.werr != nil {
		return fmt.Errorf("failed to write %s: %w", af.file.Name(), af.werr)
	}
	return closeErr
}
