package logger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger appends JSON-line records to a size-rotated file. Entries are
// buffered on a channel and written in batches so a slow disk never stalls a
// worker mid-job; when the buffer is full the entry is dropped, the console
// sink still has it.
type FileLogger struct {
	config  *Config
	sink    *lumberjack.Logger
	entries chan *LogEntry
	batch   []*LogEntry
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileLogger opens the rotated file sink described by the config.
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	fl := &FileLogger{
		config: config,
		sink: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
		entries: make(chan *LogEntry, config.File.BufferSize),
		batch:   make([]*LogEntry, 0, config.File.BatchSize),
		done:    make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.writeLoop()
	return fl, nil
}

func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}
	// job and worker ids get first-class columns so grep and ingest tooling
	// can filter without parsing the field bag
	if jobID, ok := fields["job_id"].(string); ok {
		entry.JobID = jobID
	}
	if workerID, ok := fields["worker_id"].(string); ok {
		entry.WorkerID = workerID
	}
	if err, ok := fields["error"]; ok {
		entry.Error = fmt.Sprintf("%v", err)
	}

	select {
	case fl.entries <- entry:
	default:
		// buffer full: drop rather than block the caller
	}
}

// writeLoop batches entries until the batch fills or the interval elapses.
func (fl *FileLogger) writeLoop() {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.config.File.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-fl.entries:
			fl.batch = append(fl.batch, entry)
			if len(fl.batch) >= fl.config.File.BatchSize {
				fl.flush()
			}
		case <-ticker.C:
			fl.flush()
		case <-fl.done:
			for {
				select {
				case entry := <-fl.entries:
					fl.batch = append(fl.batch, entry)
				default:
					fl.flush()
					return
				}
			}
		}
	}
}

func (fl *FileLogger) flush() {
	for _, entry := range fl.batch {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fl.sink.Write(append(data, '\n'))
	}
	fl.batch = fl.batch[:0]
}

// Close flushes buffered entries and closes the file.
func (fl *FileLogger) Close() error {
	close(fl.done)
	fl.wg.Wait()
	if err := fl.sink.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// Rotate forces a rotation, for SIGHUP-style log management.
func (fl *FileLogger) Rotate() error {
	return fl.sink.Rotate()
}
