package orchestrator

import (
	"fmt"

	"brain/internal/document"
	"brain/internal/logging"
	"brain/internal/memory"
	"brain/internal/session"
)

// Chunk is one unit of an operation's lazy output: progress text along
// the way, then exactly one terminal chunk carrying the final document
// (or an error message). Errors are never raised past the sink.
type Chunk struct {
	Text  string
	Doc   document.Value
	Final bool
}

// Sink receives an operation's chunks in order.
type Sink func(Chunk)

func progress(sink Sink, format string, args ...interface{}) {
	sink(Chunk{Text: fmt.Sprintf(format, args...)})
}

func finalDoc(sink Sink, doc document.Value) {
	sink(Chunk{Doc: doc, Final: true})
}

func finalText(sink Sink, format string, args ...interface{}) {
	sink(Chunk{Text: fmt.Sprintf(format, args...), Final: true})
}

// fail yields the terminal error chunk. The transport never sees a raised
// error, only this text.
func fail(sink Sink, err error) {
	logging.Get(logging.CategoryOps).Error("Operation failed: %v", err)
	sink(Chunk{Text: fmt.Sprintf("⚠️ Error: %v", err), Final: true})
}

// initSetCap bounds the init context document.
const initSetCap = 300

// Init resumes or creates a session, assembles the bounded context from
// memory, snapshots it onto the session, and yields the init document.
func (b *Brain) Init(sink Sink, sessionID string) {
	timer := logging.StartTimer(logging.CategoryOps, "Init")
	defer timer.Stop()

	progress(sink, "Initializing…")

	var (
		sess   *session.Session
		status string
		err    error
	)
	if sessionID != "" {
		sess, err = b.Sessions.Get(sessionID)
		if err != nil {
			fail(sink, fmt.Errorf("failed to resume session: %w", err))
			return
		}
	}
	if sess != nil {
		status = "resumed"
	} else {
		status = "new"
		id, err := b.Sessions.Create(document.Map(nil))
		if err != nil {
			fail(sink, fmt.Errorf("failed to create session: %w", err))
			return
		}
		sess, err = b.Sessions.Get(id)
		if err != nil || sess == nil {
			fail(sink, fmt.Errorf("failed to load new session %s: %v", id, err))
			return
		}
	}

	entries, err := b.Memories.TopForInit(initSetCap)
	if err != nil {
		fail(sink, fmt.Errorf("failed to assemble context: %w", err))
		return
	}
	progress(sink, "Loaded %d memories", len(entries))

	ctx := buildContext(entries)
	if err := b.Sessions.SetInitialContext(sess.ID, ctx); err != nil {
		logging.Get(logging.CategoryOps).Warn("Failed to snapshot initial context: %v", err)
	}

	doc := document.Map(map[string]document.Value{
		"session_id":      document.String(sess.ID),
		"status":          document.String(status),
		"user":            document.String(sess.UserID),
		"context":         ctx,
		"loaded_memories": document.Number(float64(len(entries))),
		"suggestions":     suggestions(status, len(entries)),
	})
	finalDoc(sink, doc)
}

// buildContext shapes the init entries into the context document:
// preferences, the active project, and the remaining recent memories.
func buildContext(entries []memory.Entry) document.Value {
	preferences := document.Null()
	activeProject := document.Null()
	recent := make([]document.Value, 0, len(entries))

	for _, e := range entries {
		switch {
		case e.Type == memory.TypeUserPreferences && preferences.IsNull():
			preferences = e.Value
		case e.Type == memory.TypeActiveProject && activeProject.IsNull():
			activeProject = e.Value
		default:
			recent = append(recent, document.Map(map[string]document.Value{
				"key":   document.String(e.Key),
				"type":  document.String(e.Type),
				"value": e.Value,
			}))
		}
	}

	return document.Map(map[string]document.Value{
		"preferences":     preferences,
		"active_project":  activeProject,
		"recent_memories": document.List(recent...),
	})
}

// suggestions nudges a fresh caller toward the useful first operations.
func suggestions(status string, loaded int) document.Value {
	var items []document.Value
	if loaded == 0 {
		items = append(items, document.String("remember your preferences under key \"user_preferences\""))
	}
	if status == "new" {
		items = append(items, document.String("recall <query> searches stored memories"))
	}
	return document.List(items...)
}

// Status yields a composite document: system counters, plus session and
// execution detail when ids are supplied.
func (b *Brain) Status(sink Sink, sessionID, executionID string) {
	fields := map[string]document.Value{}

	health, err := b.Monitor.Snapshot()
	if err != nil {
		fail(sink, fmt.Errorf("failed to read health: %w", err))
		return
	}
	system := map[string]document.Value{
		"schema_version":  document.Number(float64(health.SchemaVersion)),
		"uptime_seconds":  document.Number(float64(health.UptimeSeconds)),
		"store_bytes":     document.Number(float64(health.StoreBytes)),
		"active_sessions": document.Number(float64(health.ActiveSessions)),
		"live_workers":    document.Number(float64(health.LiveWorkers)),
	}
	if health.Memories != nil {
		system["memories_total"] = document.Number(float64(health.Memories.Total))
		system["memories_hot"] = document.Number(float64(health.Memories.ByTier["hot"]))
	}
	execCounts := map[string]document.Value{}
	for status, n := range health.Executions {
		execCounts[string(status)] = document.Number(float64(n))
	}
	system["executions"] = document.Map(execCounts)
	fields["system"] = document.Map(system)

	if sessionID != "" {
		sess, err := b.Sessions.Get(sessionID)
		if err != nil {
			fail(sink, fmt.Errorf("failed to read session: %w", err))
			return
		}
		if sess == nil {
			fields["session"] = document.Null()
		} else {
			fields["session"] = document.Map(map[string]document.Value{
				"id":            document.String(sess.ID),
				"user":          document.String(sess.UserID),
				"started_at":    document.String(sess.StartedAt),
				"expires_at":    document.String(sess.ExpiresAt),
				"interactions":  document.Number(float64(sess.InteractionCount)),
				"memory_ops":    document.Number(float64(sess.MemoryOps)),
				"execution_ops": document.Number(float64(sess.ExecutionOps)),
			})
		}
	}

	if executionID != "" {
		e, err := b.Queue.GetStatus(executionID)
		if err != nil {
			fail(sink, fmt.Errorf("failed to read execution: %w", err))
			return
		}
		execDoc := map[string]document.Value{
			"id":       document.String(e.ID),
			"status":   document.String(string(e.Status)),
			"language": document.String(e.Language),
		}
		if e.ExitCode != nil {
			execDoc["exit_code"] = document.Number(float64(*e.ExitCode))
		}
		if e.ErrorMessage != "" {
			execDoc["error"] = document.String(e.ErrorMessage)
		}
		fields["execution"] = document.Map(execDoc)
	}

	finalDoc(sink, document.Map(fields))
}

// Remember stores a memory under a key.
func (b *Brain) Remember(sink Sink, sessionID, key string, value document.Value, typ string) {
	progress(sink, "Remembering %q…", key)

	err := b.Memories.Set(key, value, memory.SetOptions{Type: typ})
	if err != nil {
		fail(sink, err)
		return
	}
	if sessionID != "" {
		b.Sessions.RecordActivity(sessionID, "memory")
	}
	finalText(sink, "Remembered %q", key)
}

// Recall streams ranked matches, one line per result, then a count.
func (b *Brain) Recall(sink Sink, sessionID, query string, limit int) {
	results, err := b.Memories.Search(query, limit)
	if err != nil {
		fail(sink, err)
		return
	}
	if sessionID != "" {
		b.Sessions.RecordActivity(sessionID, "memory")
	}
	for _, r := range results {
		encoded, err := r.Value.Encode()
		if err != nil {
			continue
		}
		progress(sink, "%s [%s] %s", r.Key, r.Type, string(encoded))
	}
	finalText(sink, "%d matches", len(results))
}

// Execute enqueues code and yields the id immediately; it never waits for
// the worker.
func (b *Brain) Execute(sink Sink, sessionID, code, language string) {
	e, err := b.Queue.Enqueue(code, language, sessionID)
	if err != nil {
		fail(sink, err)
		return
	}
	if sessionID != "" {
		b.Sessions.RecordActivity(sessionID, "execution")
	}
	finalDoc(sink, document.Map(map[string]document.Value{
		"execution_id": document.String(e.ID),
		"status":       document.String(string(e.Status)),
		"language":     document.String(e.Language),
	}))
}
