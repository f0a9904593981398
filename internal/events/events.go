// Package events implements the streaming event recorder: a strictly
// monotonic, append-only log of RunEvents, written to a local JSONL
// file and optionally mirrored to Redis. Replay reconstructs the event
// stream from the JSONL alone, with no side effects.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventType is the closed set of event kinds.
type EventType string

const (
	EventSystem EventType = "system"
	EventTool   EventType = "tool"
	EventLLM    EventType = "llm"
	EventError  EventType = "error"
)

// ContentType is the closed set of event content kinds (§6).
type ContentType string

const (
	ContentMessage             ContentType = "message"
	ContentPlannerStep         ContentType = "planner_step"
	ContentSearchQuery         ContentType = "search_query"
	ContentSearchResults       ContentType = "search_results"
	ContentURLSelected         ContentType = "url_selected"
	ContentEvidenceAdded       ContentType = "evidence_added"
	ContentOutlineUpdated      ContentType = "outline_updated"
	ContentPlannerTerminate    ContentType = "planner_terminate"
	ContentOutlineJudgeResult  ContentType = "outline_judge_result"
	ContentWriterSectionStart  ContentType = "writer_section_start"
	ContentWriterSectionDone   ContentType = "writer_section_done"
	ContentWriterStep          ContentType = "writer_step"
	ContentWriterRetrieveQuery ContentType = "writer_retrieve_query"
	ContentWriterRetrieveResults ContentType = "writer_retrieve_results"
	ContentWriterWrite         ContentType = "writer_write"
	ContentWriterTerminate     ContentType = "writer_terminate"
	ContentReportDone          ContentType = "report_done"
)

// RunEvent is one entry in a run's event stream.
type RunEvent struct {
	RunID       string            `json:"run_id"`
	Seq         int               `json:"seq"`
	Timestamp   time.Time         `json:"ts"`
	EventType   EventType         `json:"event_type"`
	ContentType ContentType       `json:"content_type"`
	Data        any               `json:"data"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// Sink is one destination for recorded events (file, Redis mirror).
type Sink interface {
	Write(ctx context.Context, e RunEvent) error
}

// Recorder assigns strictly monotonic sequence numbers and fans each
// event out to every active Sink. Safe for concurrent use: seq
// assignment and writes to every sink happen under one mutex, so
// concurrent fan-out tasks never race to the same seq.
type Recorder struct {
	mu    sync.Mutex
	runID string
	seq   int
	sinks []Sink
}

// NewRecorder creates a Recorder for runID, writing to the given
// sinks in order. The seq counter always starts at 1.
func NewRecorder(runID string, sinks ...Sink) *Recorder {
	return &Recorder{runID: runID, sinks: sinks}
}

// Emit bumps the sequence counter, serializes the event, appends it to
// every sink, and returns the finished RunEvent for streaming to
// consumers.
func (r *Recorder) Emit(ctx context.Context, eventType EventType, contentType ContentType, data any, metadata map[string]any) (RunEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	e := RunEvent{
		RunID:       r.runID,
		Seq:         r.seq,
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		ContentType: contentType,
		Data:        data,
		Metadata:    metadata,
	}

	for _, sink := range r.sinks {
		if err := sink.Write(ctx, e); err != nil {
			return e, fmt.Errorf("events: sink write: %w", err)
		}
	}
	return e, nil
}

// FileRecorder appends newline-delimited JSON events to a local file.
type FileRecorder struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileRecorder opens (creating if needed) events.jsonl at path.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: opening file recorder: %w", err)
	}
	return &FileRecorder{file: f, writer: bufio.NewWriter(f)}, nil
}

// Write appends one event line.
func (f *FileRecorder) Write(_ context.Context, e RunEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	return f.writer.Flush()
}

// Close flushes and closes the underlying file.
func (f *FileRecorder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writer.Flush(); err != nil {
		return err
	}
	return f.file.Close()
}

// RedisRecorder mirrors events to a Redis list keyed by
// <prefix>:run:<id>:events, expiring the key after 7 days.
type RedisRecorder struct {
	client *redis.Client
	prefix string
	runID  string
	ttl    time.Duration
}

// NewRedisRecorder creates a mirror recorder against an already-dialed
// redis.Client.
func NewRedisRecorder(client *redis.Client, prefix, runID string) *RedisRecorder {
	return &RedisRecorder{client: client, prefix: prefix, runID: runID, ttl: 7 * 24 * time.Hour}
}

func (r *RedisRecorder) key() string {
	return fmt.Sprintf("%s:run:%s:events", r.prefix, r.runID)
}

// Write pushes one event onto the mirror list and refreshes its TTL.
func (r *RedisRecorder) Write(ctx context.Context, e RunEvent) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	key := r.key()
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: redis mirror write: %w", err)
	}
	return nil
}

// Replay reconstructs the event stream for runID, preferring the local
// JSONL file; falling back to the Redis mirror if the file is empty or
// missing and a client is supplied. Pure: no events are re-emitted, no
// seq counters are touched.
func Replay(ctx context.Context, path string, mirror *redis.Client, prefix, runID string) ([]RunEvent, error) {
	fromFile, err := replayFile(path)
	if err != nil {
		return nil, err
	}
	if len(fromFile) > 0 || mirror == nil {
		return fromFile, nil
	}

	key := fmt.Sprintf("%s:run:%s:events", prefix, runID)
	lines, err := mirror.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("events: replay from mirror: %w", err)
	}

	out := make([]RunEvent, 0, len(lines))
	for _, line := range lines {
		var e RunEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func replayFile(path string) ([]RunEvent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: opening jsonl for replay: %w", err)
	}
	defer f.Close()

	var out []RunEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e RunEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
