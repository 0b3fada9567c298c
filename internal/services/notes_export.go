package services

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

type MarkdownNote struct {
	Kind           string
	VideoID        string
	Title          string
	TranscriptPath string
	YouTubeURL     string
	Question       string
	Answer         string
	Analysis       string
	Cached         bool
}

// NotesExporter writes ask/analysis markdown exports under
// <data_dir>/notes_exports. Export failures never break the main flow, so
// SaveMarkdownNote returns "" instead of an error.
type NotesExporter interface {
	SaveMarkdownNote(note MarkdownNote) string
}

type notesExporter struct {
	log     *logger.Logger
	dataDir string
}

func NewNotesExporter(log *logger.Logger) NotesExporter {
	return &notesExporter{
		log:     log.With("service", "NotesExporter"),
		dataDir: utils.GetEnv("DATA_DIR", "./data", nil),
	}
}

func (e *notesExporter) SaveMarkdownNote(note MarkdownNote) string {
	kind := strings.ToLower(strings.TrimSpace(note.Kind))
	if kind == "" {
		kind = "note"
	}
	vid := utils.SafeVideoID(note.VideoID)
	if vid == "" {
		vid = "video"
	}
	stamp := time.Now().Format("20060102_150405")
	slugSource := note.Question
	if slugSource == "" {
		slugSource = note.Title
	}
	if slugSource == "" {
		slugSource = vid
	}
	slug := utils.SlugifyText(slugSource, 52)
	digest := utils.ShortHash(vid + "|" + kind + "|" + note.Question + "|" + note.Analysis + "|" + note.Answer + "|" + stamp)

	dir := filepath.Join(e.dataDir, "notes_exports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("Could not create notes export directory", "error", err)
		return ""
	}
	outPath := filepath.Join(dir, kind+"_"+stamp+"_"+vid+"_"+slug+"_"+digest+".md")

	cached := "no"
	if note.Cached {
		cached = "yes"
	}
	lines := []string{
		"# " + strings.ToUpper(kind),
		"",
		"- video_id: " + vid,
		"- title: " + strings.TrimSpace(note.Title),
		"- youtube_url: " + strings.TrimSpace(note.YouTubeURL),
		"- transcript_path: " + strings.TrimSpace(note.TranscriptPath),
		"- cached: " + cached,
		"- created_at: " + utils.UTCNowISO(),
		"",
	}
	if note.Question != "" {
		lines = append(lines, "## Question", "", strings.TrimSpace(note.Question), "")
	}
	if note.Answer != "" {
		lines = append(lines, "## Answer", "", strings.TrimSpace(note.Answer), "")
	}
	if note.Analysis != "" {
		lines = append(lines, "## Analysis", "", strings.TrimSpace(note.Analysis), "")
	}

	content := strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
	if err := os.WriteFile(outPath, []byte(content), 0o644); err != nil {
		e.log.Warn("Could not write notes export", "path", outPath, "error", err)
		return ""
	}
	return outPath
}
