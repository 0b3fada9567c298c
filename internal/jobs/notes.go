package jobs

import (
	"strings"

	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// Notes tasks (analyze / ask) are single-flight per (video_id, kind). The
// progress maps keep the latest snapshot for API polling.

func notesTaskKey(videoID, kind string) string {
	vid := strings.TrimSpace(videoID)
	k := strings.ToLower(strings.TrimSpace(kind))
	if vid == "" || k == "" {
		return ""
	}
	return k + ":" + vid
}

// TryStartNotesTask atomically claims the (video_id, kind) slot. The caller
// must release it with FinishNotesTask in a defer.
func (r *Registry) TryStartNotesTask(videoID, kind string) bool {
	key := notesTaskKey(videoID, kind)
	if key == "" {
		return false
	}
	r.notesMu.Lock()
	defer r.notesMu.Unlock()
	if r.notesActive[key] {
		return false
	}
	r.notesActive[key] = true
	return true
}

func (r *Registry) FinishNotesTask(videoID, kind string) {
	key := notesTaskKey(videoID, kind)
	if key == "" {
		return
	}
	r.notesMu.Lock()
	defer r.notesMu.Unlock()
	delete(r.notesActive, key)
}

func (r *Registry) IsNotesTaskRunning(videoID, kind string) bool {
	key := notesTaskKey(videoID, kind)
	if key == "" {
		return false
	}
	r.notesMu.Lock()
	defer r.notesMu.Unlock()
	return r.notesActive[key]
}

func (r *Registry) setProgress(table map[string]map[string]any, videoID string, changes map[string]any) map[string]any {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return map[string]any{}
	}
	r.notesMu.Lock()
	defer r.notesMu.Unlock()
	merged := map[string]any{}
	for k, v := range table[vid] {
		merged[k] = v
	}
	for k, v := range changes {
		merged[k] = v
	}
	merged["video_id"] = vid
	merged["updated_at"] = utils.UTCNowISO()
	table[vid] = merged

	out := map[string]any{}
	for k, v := range merged {
		out[k] = v
	}
	return out
}

func (r *Registry) getProgress(table map[string]map[string]any, videoID string) map[string]any {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return map[string]any{}
	}
	r.notesMu.Lock()
	defer r.notesMu.Unlock()
	out := map[string]any{}
	for k, v := range table[vid] {
		out[k] = v
	}
	return out
}

func (r *Registry) SetAnalyzeProgress(videoID string, changes map[string]any) map[string]any {
	return r.setProgress(r.analyze, videoID, changes)
}

func (r *Registry) GetAnalyzeProgress(videoID string) map[string]any {
	return r.getProgress(r.analyze, videoID)
}

func (r *Registry) SetAskProgress(videoID string, changes map[string]any) map[string]any {
	return r.setProgress(r.ask, videoID, changes)
}

func (r *Registry) GetAskProgress(videoID string) map[string]any {
	return r.getProgress(r.ask, videoID)
}

// NotesProgress composes the busy/progress view for one video across both
// task kinds.
func (r *Registry) NotesProgress(videoID string) map[string]any {
	vid := strings.TrimSpace(videoID)
	if vid == "" {
		return map[string]any{
			"video_id":  "",
			"busy_task": "",
			"ask":       map[string]any{"in_progress": false},
			"analyze":   map[string]any{"in_progress": false},
		}
	}

	ask := r.GetAskProgress(vid)
	analyze := r.GetAnalyzeProgress(vid)
	askRunning := r.IsNotesTaskRunning(vid, "ask")
	analyzeRunning := r.IsNotesTaskRunning(vid, "analyze")

	if askRunning {
		if _, ok := ask["video_id"]; !ok {
			ask["video_id"] = vid
		}
		ask["status"] = "running"
		ask["done"] = false
		if _, ok := ask["message"]; !ok {
			ask["message"] = "Asking transcript..."
		}
	}
	if analyzeRunning {
		if _, ok := analyze["video_id"]; !ok {
			analyze["video_id"] = vid
		}
		analyze["status"] = "running"
		analyze["done"] = false
		if _, ok := analyze["message"]; !ok {
			analyze["message"] = "Running analysis..."
		}
	}
	ask["in_progress"] = askRunning
	analyze["in_progress"] = analyzeRunning

	busyTask := ""
	if askRunning {
		busyTask = "ask"
	} else if analyzeRunning {
		busyTask = "analyze"
	}
	return map[string]any{
		"video_id":  vid,
		"busy_task": busyTask,
		"ask":       ask,
		"analyze":   analyze,
	}
}
