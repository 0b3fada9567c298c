package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// Segment is re-exported for the service layer; providers produce them and
// the transcript builder serializes them.
type Segment = types.Segment

var ErrNoTranscript = errors.New("NO_TRANSCRIPT")

type TranscriptResult struct {
	TranscriptPath string `json:"transcript_path"`
	CaptionPath    string `json:"caption_path"`
	Title          string `json:"title"`
	Source         string `json:"source"`
	Chars          int    `json:"chars"`
	Cached         bool   `json:"cached"`
}

type TranscriptRequest struct {
	VideoID        string
	URL            string
	TitleHint      string
	LocalVideoPath string
	Force          bool
	// CaptionsOnly skips the STT fallback entirely.
	CaptionsOnly bool
}

// TranscriptService owns the canonical transcript files: caption-preferred
// build with STT fallback, reusing an existing non-empty file unless forced.
type TranscriptService interface {
	BuildTranscript(ctx context.Context, req TranscriptRequest) (*TranscriptResult, error)
	CachedTranscriptPath(videoID string) string
	TranscriptPathFor(videoID string) string
	ReadTranscript(path string) (string, error)
	SaveFullTranscript(videoID, title, transcript string) (string, error)
	SaveCaptionSource(videoID, captionPath string) (string, error)
	DataDir() string
}

type transcriptService struct {
	log    *logger.Logger
	media  MediaSourceService
	speech SpeechService

	dataDir string
	tz      *time.Location

	group singleflight.Group
}

func NewTranscriptService(log *logger.Logger, media MediaSourceService, speech SpeechService) TranscriptService {
	tzName := utils.GetEnv("LOCAL_TZ_NAME", "America/New_York", nil)
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		tz = time.UTC
	}
	return &transcriptService{
		log:     log.With("service", "TranscriptService"),
		media:   media,
		speech:  speech,
		dataDir: utils.GetEnv("DATA_DIR", "./data", nil),
		tz:      tz,
	}
}

func (s *transcriptService) DataDir() string {
	return s.dataDir
}

func (s *transcriptService) TranscriptPathFor(videoID string) string {
	safeVid := utils.SafeVideoID(videoID)
	if safeVid == "" {
		safeVid = "unknown"
	}
	return filepath.Join(s.dataDir, "transcripts", safeVid+".txt")
}

// CachedTranscriptPath returns the canonical file path if it exists and is
// non-empty, per the transcript-path invariant.
func (s *transcriptService) CachedTranscriptPath(videoID string) string {
	path := s.TranscriptPathFor(videoID)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return ""
	}
	return path
}

func (s *transcriptService) ReadTranscript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("Transcript file not found: %s", path)
	}
	txt := strings.TrimSpace(string(data))
	if txt == "" {
		return "", errors.New("Transcript file is empty.")
	}
	return txt, nil
}

// SaveFullTranscript writes the canonical transcript file: three header
// lines, a blank line, then the [mm:ss] body. Writes are whole-file.
func (s *transcriptService) SaveFullTranscript(videoID, title, transcript string) (string, error) {
	dir := filepath.Join(s.dataDir, "transcripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out := s.TranscriptPathFor(videoID)
	header := fmt.Sprintf("Title: %s\nVideo ID: %s\nGenerated: %s\n\n", title, videoID, utils.NowLocalStr(s.tz))
	if err := os.WriteFile(out, []byte(header+transcript+"\n"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (s *transcriptService) SaveCaptionSource(videoID, captionPath string) (string, error) {
	src, err := os.Open(captionPath)
	if err != nil {
		return "", fmt.Errorf("Caption file not found: %s", captionPath)
	}
	defer src.Close()

	dir := filepath.Join(s.dataDir, "captions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	safeVid := utils.SafeVideoID(videoID)
	if safeVid == "" {
		safeVid = "unknown"
	}
	out := filepath.Join(dir, safeVid+".vtt")
	dst, err := os.Create(out)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", err
	}
	return out, nil
}

// BuildTranscript runs the source policy: cached file, then captions, then
// STT over audio. Concurrent builds for one video id are deduplicated.
func (s *transcriptService) BuildTranscript(ctx context.Context, req TranscriptRequest) (*TranscriptResult, error) {
	key := strings.TrimSpace(req.VideoID)
	if key == "" {
		key = strings.TrimSpace(req.URL)
	}
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.buildTranscript(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TranscriptResult), nil
}

func (s *transcriptService) buildTranscript(ctx context.Context, req TranscriptRequest) (*TranscriptResult, error) {
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		videoID = utils.ExtractYouTubeID(req.URL)
	}

	if !req.Force && videoID != "" {
		if cached := s.CachedTranscriptPath(videoID); cached != "" {
			text, err := s.ReadTranscript(cached)
			if err == nil {
				title := ExtractTitleFromSavedTranscript(text, req.TitleHint)
				return &TranscriptResult{
					TranscriptPath: cached,
					Title:          title,
					Source:         types.TranscriptSourceCached,
					Chars:          len(text),
					Cached:         true,
				}, nil
			}
		}
	}

	workdir, err := os.MkdirTemp("", "video_notes_")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workdir)

	title := req.TitleHint
	source := ""
	captionTmpPath := ""
	captionSavedPath := ""
	var segments []Segment

	useCaptions := utils.GetEnvAsBool("VIDEO_USE_YT_CAPTIONS", true, nil)
	if useCaptions && req.URL != "" {
		segs, capTitle, capPath, err := s.media.DownloadCaptionSegments(ctx, req.URL, workdir, req.TitleHint)
		if err == nil {
			segments = segs
			captionTmpPath = capPath
			if capTitle != "" {
				title = capTitle
			}
			source = types.TranscriptSourceCaptions
		} else {
			s.log.Debug("Caption download failed, falling back", "video_id", videoID, "error", err)
		}
	}

	if len(segments) == 0 && !req.CaptionsOnly {
		audioPath := ""
		if req.LocalVideoPath != "" {
			p, localTitle, err := s.media.ExtractAudioFromLocal(ctx, req.LocalVideoPath, workdir)
			if err == nil {
				audioPath = p
				if title == "" {
					title = localTitle
				}
			} else {
				s.log.Debug("Local audio extract failed, downloading audio", "video_id", videoID, "error", err)
			}
		}
		if audioPath == "" {
			p, dlTitle, err := s.media.DownloadAudio(ctx, req.URL, workdir)
			if err != nil {
				return nil, err
			}
			audioPath = p
			if dlTitle != "" {
				title = dlTitle
			}
		}
		segs, err := s.speech.TranscribeFile(ctx, audioPath)
		if err != nil {
			return nil, err
		}
		segments = segs
		source = types.TranscriptSourceSTT
	}

	if len(segments) == 0 {
		return nil, ErrNoTranscript
	}
	if title == "" {
		title = "Video"
	}

	if captionTmpPath != "" {
		saved, err := s.SaveCaptionSource(videoID, captionTmpPath)
		if err == nil {
			captionSavedPath = saved
		}
	}

	transcriptText := SegmentsToTranscriptText(segments)
	if strings.TrimSpace(transcriptText) == "" {
		return nil, ErrNoTranscript
	}
	transcriptPath, err := s.SaveFullTranscript(videoID, title, transcriptText)
	if err != nil {
		return nil, err
	}

	return &TranscriptResult{
		TranscriptPath: transcriptPath,
		CaptionPath:    captionSavedPath,
		Title:          title,
		Source:         source,
		Chars:          len(transcriptText),
	}, nil
}

// ---- transcript text helpers ----

var (
	vttTagRE       = regexp.MustCompile(`<[^>]+>`)
	captionLangRE  = regexp.MustCompile(`\.([a-z0-9_-]+)\.vtt$`)
	bodyLineRE     = regexp.MustCompile(`^\[(\d{1,4}):([0-5]\d)\]\s+(.+)$`)
	timestampTagRE = regexp.MustCompile(`^\[\d{1,4}:[0-5]\d\]\s*`)
)

func parseVTTTimestamp(raw string) float64 {
	t := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if t == "" {
		return 0
	}
	parts := strings.Split(t, ":")
	switch len(parts) {
	case 3:
		hh, err1 := strconv.Atoi(parts[0])
		mm, err2 := strconv.Atoi(parts[1])
		ss, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return 0
		}
		return float64(hh)*3600 + float64(mm)*60 + ss
	case 2:
		mm, err1 := strconv.Atoi(parts[0])
		ss, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return 0
		}
		return float64(mm)*60 + ss
	}
	return 0
}

func ParseVTTFile(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseVTTSegments(string(data)), nil
}

// ParseVTTSegments extracts cue text, stripping markup tags and collapsing
// whitespace. Cues without visible text are dropped.
func ParseVTTSegments(content string) []Segment {
	lines := strings.Split(content, "\n")
	var out []Segment
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if !strings.Contains(line, "-->") {
			i++
			continue
		}
		parts := strings.SplitN(line, "-->", 2)
		start := parseVTTTimestamp(strings.SplitN(strings.TrimSpace(parts[0]), " ", 2)[0])
		end := parseVTTTimestamp(strings.SplitN(strings.TrimSpace(parts[1]), " ", 2)[0])
		i++

		var textLines []string
		for i < len(lines) {
			cur := strings.TrimSpace(lines[i])
			if cur == "" {
				break
			}
			textLines = append(textLines, cur)
			i++
		}
		text := strings.Join(textLines, " ")
		text = vttTagRE.ReplaceAllString(text, "")
		text = utils.CollapseWhitespace(text)
		if text != "" {
			if start < 0 {
				start = 0
			}
			if end < start {
				end = start
			}
			out = append(out, Segment{Start: start, End: end, Text: text})
		}
		i++
	}
	return out
}

func captionLangFromName(name string) string {
	m := captionLangRE.FindStringSubmatch(strings.ToLower(strings.TrimSpace(name)))
	if m == nil {
		return ""
	}
	return m[1]
}

func isEnglishCaptionLang(lang string) bool {
	value := strings.ToLower(strings.TrimSpace(lang))
	return value == "en" || strings.HasPrefix(value, "en-") || strings.HasPrefix(value, "en_")
}

// pickCaptionFile chooses among downloaded subtitle files: English tracks
// only, ranked by the preference list, then coverage, then size.
func pickCaptionFile(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", errors.New("No caption files found.")
	}
	prefRaw := utils.GetEnv("VIDEO_SUB_LANG_PREFER", "en,en-us,en-gb", nil)
	var prefs []string
	for _, p := range strings.Split(prefRaw, ",") {
		if v := strings.ToLower(strings.TrimSpace(p)); v != "" {
			prefs = append(prefs, v)
		}
	}

	type scored struct {
		prefScore int
		coverage  float64
		size      int64
		nameLen   int
		path      string
	}
	var english []scored
	for _, path := range candidates {
		lang := captionLangFromName(filepath.Base(path))
		if !isEnglishCaptionLang(lang) {
			continue
		}
		prefScore := 100
		for idx, pref := range prefs {
			if lang == pref || strings.HasPrefix(lang, pref) {
				prefScore = idx
				break
			}
		}
		coverage := 0.0
		if segs, err := ParseVTTFile(path); err == nil {
			for _, seg := range segs {
				if seg.End > coverage {
					coverage = seg.End
				}
			}
		}
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		english = append(english, scored{prefScore, coverage, size, len(filepath.Base(path)), path})
	}
	if len(english) == 0 {
		return "", fmt.Errorf("%w: no English YouTube captions available for this video", ErrNoCaptions)
	}
	sort.Slice(english, func(i, j int) bool {
		a, b := english[i], english[j]
		if a.prefScore != b.prefScore {
			return a.prefScore < b.prefScore
		}
		if a.coverage != b.coverage {
			return a.coverage > b.coverage
		}
		if a.size != b.size {
			return a.size > b.size
		}
		return a.nameLen < b.nameLen
	})
	return english[0].path, nil
}

// SegmentsToTranscriptText serializes segments as "[mm:ss] text" lines in
// insertion order.
func SegmentsToTranscriptText(segments []Segment) string {
	var lines []string
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", utils.FormatTimestamp(seg.Start), text))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// TranscriptBodyLines drops the header lines and blanks.
func TranscriptBodyLines(transcript string) []string {
	var out []string
	for _, line := range strings.Split(transcript, "\n") {
		ln := strings.TrimSpace(line)
		if ln == "" {
			continue
		}
		if strings.HasPrefix(ln, "Title:") || strings.HasPrefix(ln, "Video ID:") || strings.HasPrefix(ln, "Generated:") {
			continue
		}
		out = append(out, ln)
	}
	return out
}

// SegmentsFromTranscriptText reparses the canonical body back into timed
// segments. Files without [mm:ss] stamps get synthetic 10s lines.
func SegmentsFromTranscriptText(transcript string) []Segment {
	var out []Segment
	for _, line := range strings.Split(transcript, "\n") {
		ln := strings.TrimSpace(line)
		if ln == "" {
			continue
		}
		m := bodyLineRE.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		mm, _ := strconv.Atoi(m[1])
		ss, _ := strconv.Atoi(m[2])
		text := strings.TrimSpace(m[3])
		if text == "" {
			continue
		}
		start := float64(mm*60 + ss)
		out = append(out, Segment{Start: start, End: start + 10.0, Text: text})
	}
	if len(out) > 0 {
		return out
	}

	t := 0.0
	body := TranscriptBodyLines(transcript)
	if len(body) > 1200 {
		body = body[:1200]
	}
	for _, ln := range body {
		out = append(out, Segment{Start: t, End: t + 10.0, Text: ln})
		t += 10.0
	}
	return out
}

func ExtractTitleFromSavedTranscript(transcript, fallback string) string {
	for _, line := range strings.Split(transcript, "\n") {
		ln := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(ln), "title:") {
			t := strings.TrimSpace(strings.SplitN(ln, ":", 2)[1])
			if t != "" {
				return t
			}
		}
	}
	return fallback
}

// StripTimestampTag removes a leading [mm:ss] stamp from a body line.
func StripTimestampTag(line string) string {
	return strings.TrimSpace(timestampTagRE.ReplaceAllString(line, ""))
}

// TranscriptStamp is the Q&A cache invalidation key: "<mtime_ns>:<size>".
func TranscriptStamp(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "0:0"
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())
}
