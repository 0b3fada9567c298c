package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// Tagged download outcomes. The live supervisor translates these into
// archive statuses; everything else is surfaced as-is.
var (
	ErrLiveStopRequested  = errors.New("LIVE_STOP_REQUESTED")
	ErrLiveStuckTimeout   = errors.New("LIVE_STUCK_TIMEOUT")
	ErrLiveBecamePrivate  = errors.New("LIVE_BECAME_PRIVATE")
	ErrYtdlpFailed        = errors.New("YTDLP_FAILED")
	ErrNoCaptions         = errors.New("NO_CAPTIONS")
)

type ProbeInfo struct {
	ID                 string
	Title              string
	Channel            string
	LiveStatus         string
	IsLive             bool
	Duration           int
	LiveStartTimestamp int64
	ReleaseTimestamp   int64
	Timestamp          int64
	HasCaptions        *bool
	Raw                map[string]any
}

func (p *ProbeInfo) IsLiveLike() bool {
	switch p.LiveStatus {
	case "is_live", "live", "is_upcoming", "was_live", "post_live":
		return true
	}
	return p.IsLive
}

func (p *ProbeInfo) IsUpcoming() bool {
	return p.LiveStatus == "is_upcoming"
}

// PickLiveStart resolves the stream start from yt-dlp timestamps, in the
// order YouTube populates them.
func (p *ProbeInfo) PickLiveStart() *time.Time {
	for _, ts := range []int64{p.LiveStartTimestamp, p.ReleaseTimestamp, p.Timestamp} {
		if ts > 0 {
			t := time.Unix(ts, 0).UTC()
			return &t
		}
	}
	return nil
}

type SearchResult struct {
	VideoID         string         `json:"video_id"`
	URL             string         `json:"url"`
	Title           string         `json:"title"`
	Channel         string         `json:"channel"`
	ViewCount       int64          `json:"view_count"`
	PublishedUTC    string         `json:"published_utc"`
	DurationSec     int            `json:"duration_sec"`
	ThumbnailURL    string         `json:"thumbnail_url"`
	HasCaptions     bool           `json:"has_captions"`
	PopularityScore float64        `json:"popularity_score"`
	Rank            int            `json:"rank"`
	Meta            map[string]any `json:"-"`

	FollowerCount int64 `json:"-"`
}

type ProgressUpdate struct {
	Kind    string // "percent" | "line" | "live_stats"
	Percent float64
	Speed   string
	ETA     string
	Raw     string
}

type DownloadRequest struct {
	URL            string
	VideoID        string
	OutputTemplate string
	IsLive         bool
	ExtraArgs      []string
	OnProgress     func(ProgressUpdate)
	ShouldStop     func() bool
}

// MediaSourceService wraps the external downloader tool. Everything here is
// subprocess glue; policy lives in the callers.
type MediaSourceService interface {
	Probe(ctx context.Context, url string) (*ProbeInfo, error)
	ProbeHasCaptions(ctx context.Context, url string) *bool

	DownloadCaptionSegments(ctx context.Context, url, workdir, titleHint string) ([]Segment, string, string, error)
	DownloadAudio(ctx context.Context, url, workdir string) (string, string, error)
	ExtractAudioFromLocal(ctx context.Context, videoPath, workdir string) (string, string, error)

	DirectVideoURL(ctx context.Context, url string) (string, string, error)
	DirectAudioURL(ctx context.Context, url string) (string, string, error)
	DownloadAudioWithPath(ctx context.Context, url string) (string, string, string, error)

	DownloadWithProgress(ctx context.Context, req DownloadRequest) (string, error)

	SearchVideos(ctx context.Context, query string, maxResults int) ([]SearchResult, error)

	NewestPartForVideo(videoID string) string
	AnyExistingFileForVideo(videoID string) string
	EnsurePublicFilename(videoID, filename string) string
	BuildPublicURL(filename string) string
	StorageDir() string
}

type mediaSourceService struct {
	log *logger.Logger

	ytdlpPath  string
	ffmpegPath string
	storageDir string
	publicBase string
	maxHeight  int
}

func NewMediaSourceService(log *logger.Logger) MediaSourceService {
	slog := log.With("service", "MediaSourceService")
	return &mediaSourceService{
		log:        slog,
		ytdlpPath:  utils.GetEnv("YTDLP_PATH", "yt-dlp", nil),
		ffmpegPath: utils.GetEnv("FFMPEG_PATH", "ffmpeg", nil),
		storageDir: utils.GetEnv("STORAGE_DIR", "./downloads", nil),
		publicBase: strings.TrimRight(utils.GetEnv("PUBLIC_URL_BASE", "", nil), "/"),
		maxHeight:  utils.GetEnvAsInt("MAX_HEIGHT", 1080, nil),
	}
}

func (m *mediaSourceService) StorageDir() string {
	return m.storageDir
}

func isAntibotError(text string) bool {
	return utils.LooksLikeVPSBlock(text)
}

func isRetryableAccessError(text string) bool {
	low := strings.ToLower(text)
	return isAntibotError(low) ||
		strings.Contains(low, "no video formats found") ||
		strings.Contains(low, "challenge solving failed")
}

func (m *mediaSourceService) cookieSource() (string, string) {
	browser := utils.GetEnv("YT_COOKIES_FROM_BROWSER", "", nil)
	if utils.GetEnvAsBool("USE_BROWSER_COOKIES", false, nil) && browser != "" {
		return "browser", browser
	}
	return "file", utils.GetEnv("COOKIES_FILE", "cookies.txt", nil)
}

func (m *mediaSourceService) cookieArgs() []string {
	source, value := m.cookieSource()
	if source == "browser" {
		return []string{"--cookies-from-browser", value}
	}
	return []string{"--cookies", value}
}

// assertCookiesReady refuses to call yt-dlp with broken cookies. This is a
// fatal-class failure: every flow surfaces it verbatim.
func (m *mediaSourceService) assertCookiesReady() error {
	source, value := m.cookieSource()
	if source == "browser" {
		return nil
	}
	reasons := strictCookieErrors(value)
	if len(reasons) > 0 {
		return fmt.Errorf("Broken cookies: %s", strings.Join(reasons, "; "))
	}
	return nil
}

func strictCookieErrors(path string) []string {
	var reasons []string
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("cookies file not found at %s", path)}
	}
	if info.Size() == 0 {
		reasons = append(reasons, "cookies file is empty")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		content := string(data)
		if strings.Contains(content, "PLACEHOLDER") {
			reasons = append(reasons, "cookies file still contains placeholder content")
		}
		if info.Size() > 0 && !strings.Contains(content, "youtube.com") {
			reasons = append(reasons, "cookies file has no youtube.com entries")
		}
	}
	return reasons
}

func (m *mediaSourceService) baseCmd() ([]string, error) {
	if err := m.assertCookiesReady(); err != nil {
		return nil, err
	}
	args := []string{
		"--no-playlist",
		"--no-warnings",
	}
	args = append(args, m.cookieArgs()...)
	args = append(args, "--js-runtimes", "node", "--remote-components", "ejs:github")
	if proxy := utils.GetEnv("YTDLP_PROXY", "", nil); proxy != "" {
		args = append(args, "--proxy", proxy)
	}
	return args, nil
}

var clientProfileVariants = [][]string{
	{},
	{"--extractor-args", "youtube:player_client=android,ios,web"},
	{"--extractor-args", "youtube:player_client=tv_embedded,web_safari"},
}

func (m *mediaSourceService) runYtdlp(ctx context.Context, timeout time.Duration, args []string) (string, string, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, m.ytdlpPath, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (m *mediaSourceService) Probe(ctx context.Context, url string) (*ProbeInfo, error) {
	base, err := m.baseCmd()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_YTDLP_TIMEOUT_SEC", 90, nil)) * time.Second

	lastErr := ""
	for idx, variant := range clientProfileVariants {
		args := append(append([]string{}, base...), variant...)
		args = append(args, "-J", url)
		stdout, stderr, runErr := m.runYtdlp(ctx, timeout, args)
		if runErr == nil {
			var raw map[string]any
			if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
				return nil, fmt.Errorf("yt-dlp info parse failed: %w", err)
			}
			return probeInfoFromRaw(raw), nil
		}
		errText := utils.StripANSI(strings.TrimSpace(stderr + stdout))
		lastErr = utils.TailString(errText, 1500)
		if lastErr == "" {
			lastErr = "yt-dlp info failed"
		}
		if !isRetryableAccessError(lastErr) {
			break
		}
		if idx < len(clientProfileVariants)-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(idx+1) * 2 * time.Second):
			}
		}
	}
	return nil, errors.New(lastErr)
}

func probeInfoFromRaw(raw map[string]any) *ProbeInfo {
	info := &ProbeInfo{Raw: raw}
	get := func(key string) string {
		if s, ok := raw[key].(string); ok {
			return s
		}
		return ""
	}
	getInt := func(key string) int64 {
		if f, ok := raw[key].(float64); ok {
			return int64(f)
		}
		return 0
	}
	info.ID = get("id")
	info.Title = get("title")
	info.Channel = get("uploader")
	if info.Channel == "" {
		info.Channel = get("channel")
	}
	info.LiveStatus = strings.ToLower(strings.TrimSpace(get("live_status")))
	if b, ok := raw["is_live"].(bool); ok {
		info.IsLive = b
	}
	info.Duration = int(getInt("duration"))
	info.LiveStartTimestamp = getInt("live_start_timestamp")
	info.ReleaseTimestamp = getInt("release_timestamp")
	info.Timestamp = getInt("timestamp")
	info.HasCaptions = captionStateFromMeta(raw)
	return info
}

// captionStateFromMeta reads caption availability out of yt-dlp metadata.
// nil means the metadata is silent and a dedicated probe is needed.
func captionStateFromMeta(meta map[string]any) *bool {
	if meta == nil {
		return nil
	}
	for _, key := range []string{"subtitles", "automatic_captions", "requested_subtitles"} {
		value, present := meta[key]
		if !present {
			continue
		}
		result := false
		switch v := value.(type) {
		case map[string]any:
			for _, entry := range v {
				if entry != nil {
					if list, ok := entry.([]any); !ok || len(list) > 0 {
						result = true
						break
					}
				}
			}
		case []any:
			result = len(v) > 0
		case bool:
			result = v
		default:
			result = value != nil
		}
		return &result
	}
	return nil
}

func (m *mediaSourceService) ProbeHasCaptions(ctx context.Context, url string) *bool {
	src := strings.TrimSpace(url)
	if src == "" {
		return nil
	}
	info, err := m.Probe(ctx, src)
	if err != nil {
		return nil
	}
	return info.HasCaptions
}

func (m *mediaSourceService) DirectVideoURL(ctx context.Context, url string) (string, string, error) {
	fmtArg := fmt.Sprintf("best[ext=mp4][height<=%d]/best[height<=%d]/best", m.maxHeight, m.maxHeight)
	return m.directURL(ctx, url, fmtArg)
}

func (m *mediaSourceService) DirectAudioURL(ctx context.Context, url string) (string, string, error) {
	return m.directURL(ctx, url, "bestaudio/best")
}

func (m *mediaSourceService) directURL(ctx context.Context, url, format string) (string, string, error) {
	base, err := m.baseCmd()
	if err != nil {
		return "", "", err
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_YTDLP_TIMEOUT_SEC", 90, nil)) * time.Second

	lastErr := ""
	for idx, variant := range clientProfileVariants {
		args := append(append([]string{}, base...), variant...)
		args = append(args, "--print", "%(title)s", "-g", "-f", format, url)
		stdout, stderr, runErr := m.runYtdlp(ctx, timeout, args)
		if runErr == nil {
			var lines []string
			for _, ln := range strings.Split(stdout, "\n") {
				if strings.TrimSpace(ln) != "" {
					lines = append(lines, strings.TrimSpace(ln))
				}
			}
			if len(lines) >= 2 {
				return lines[len(lines)-1], lines[0], nil
			}
			lastErr = "yt-dlp returned empty direct URL"
		} else {
			errText := utils.StripANSI(strings.TrimSpace(stderr + stdout))
			lastErr = utils.TailString(errText, 1500)
			if lastErr == "" {
				lastErr = "yt-dlp direct URL failed"
			}
		}
		if !isRetryableAccessError(lastErr) {
			break
		}
		if idx < len(clientProfileVariants)-1 {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(time.Duration(idx+1) * 2 * time.Second):
			}
		}
	}
	return "", "", errors.New(lastErr)
}

// DownloadAudioWithPath saves an mp3 into storage and returns
// (path, public URL, title). Used by the server-save flow.
func (m *mediaSourceService) DownloadAudioWithPath(ctx context.Context, url string) (string, string, string, error) {
	info, err := m.Probe(ctx, url)
	if err != nil {
		return "", "", "", err
	}
	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = "audio"
	}
	videoID := info.ID
	if videoID == "" {
		videoID = utils.ExtractYouTubeID(url)
	}
	outputTemplate := filepath.Join(m.storageDir, fmt.Sprintf("%s [%s].%%(ext)s", utils.SanitizeFilename(title), videoID))

	base, err := m.baseCmd()
	if err != nil {
		return "", "", "", err
	}
	args := append(append([]string{}, base...),
		"-x", "--audio-format", "mp3", "--audio-quality", "0",
		"-o", outputTemplate, url)
	_, stderr, runErr := m.runYtdlp(ctx, 0, args)
	if runErr != nil {
		errText := utils.StripANSI(strings.TrimSpace(stderr))
		return "", "", "", errors.New(utils.TailString(errText, 1500))
	}

	finalPath := m.anyExistingAudioForVideo(videoID)
	if finalPath == "" {
		return "", "", "", errors.New("Audio download finished, but output file was not found.")
	}
	publicName := m.EnsurePublicFilename(videoID, filepath.Base(finalPath))
	return finalPath, m.BuildPublicURL(publicName), title, nil
}

func (m *mediaSourceService) anyExistingAudioForVideo(videoID string) string {
	if videoID == "" {
		return ""
	}
	exts := map[string]bool{".mp3": true, ".m4a": true, ".aac": true, ".opus": true, ".wav": true, ".flac": true}
	entries, err := os.ReadDir(m.storageDir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), videoID) {
			continue
		}
		if !exts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(m.storageDir, e.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

// DownloadCaptionSegments fetches English subtitles and returns the parsed
// segments, the resolved title, and the chosen caption file path.
func (m *mediaSourceService) DownloadCaptionSegments(ctx context.Context, url, workdir, titleHint string) ([]Segment, string, string, error) {
	base, err := m.baseCmd()
	if err != nil {
		return nil, "", "", err
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_YTDLP_TIMEOUT_SEC", 90, nil)) * time.Second
	subLangs := utils.GetEnv("VIDEO_SUB_LANGS", "en.*,en,-live_chat", nil)

	args := append(append([]string{}, base...),
		"--skip-download",
		"--write-subs", "--write-auto-subs",
		"--sub-format", "vtt",
		"--sub-langs", subLangs,
		"--print", "title",
		"-o", filepath.Join(workdir, "%(id)s.%(ext)s"),
		url,
	)
	stdout, stderr, runErr := m.runYtdlp(ctx, timeout, args)
	if runErr != nil {
		errText := utils.StripANSI(strings.TrimSpace(stderr + stdout))
		if errText == "" {
			errText = "caption download failed"
		}
		return nil, "", "", errors.New(utils.TailString(errText, 1200))
	}

	title := titleHint
	for _, ln := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(ln) != "" {
			title = strings.TrimSpace(ln)
			break
		}
	}
	if title == "" {
		title = "Video"
	}

	matches, _ := filepath.Glob(filepath.Join(workdir, "*.vtt"))
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, "", "", fmt.Errorf("%w: no YouTube captions available for this video", ErrNoCaptions)
	}
	chosen, err := pickCaptionFile(matches)
	if err != nil {
		return nil, "", "", err
	}
	segments, err := ParseVTTFile(chosen)
	if err != nil {
		return nil, "", "", err
	}
	if len(segments) == 0 {
		return nil, "", "", errors.New("Caption file exists, but no transcript text was parsed.")
	}
	return segments, title, chosen, nil
}

// DownloadAudio tries client profiles × extraction modes until one yields a
// usable audio file in workdir.
func (m *mediaSourceService) DownloadAudio(ctx context.Context, url, workdir string) (string, string, error) {
	base, err := m.baseCmd()
	if err != nil {
		return "", "", err
	}
	titleTimeout := time.Duration(utils.GetEnvAsInt("VIDEO_YTDLP_TITLE_TIMEOUT_SEC", 40, nil)) * time.Second
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_YTDLP_TIMEOUT_SEC", 90, nil)) * time.Second

	title := "Live"
	titleArgs := append(append([]string{}, base...), "--print", "title", url)
	if stdout, _, err := m.runYtdlp(ctx, titleTimeout, titleArgs); err == nil {
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			title = strings.TrimSpace(lines[len(lines)-1])
		}
	}

	outputTemplate := filepath.Join(workdir, "audio.%(ext)s")
	modeVariants := [][]string{
		{"-x", "--audio-format", "m4a", "--audio-quality", "0"},
		{"-x", "--audio-format", "mp3", "--audio-quality", "0"},
		{"-f", "bestaudio[ext=m4a]/bestaudio", "--remux-video", "m4a"},
		{"-f", "bestaudio"},
	}

	lastErr := ""
	for _, clientVariant := range clientProfileVariants {
		for _, modeVariant := range modeVariants {
			old, _ := filepath.Glob(filepath.Join(workdir, "audio.*"))
			for _, p := range old {
				_ = os.Remove(p)
			}

			args := append(append([]string{}, base...), clientVariant...)
			args = append(args, modeVariant...)
			args = append(args, "-o", outputTemplate, url)

			_, stderr, runErr := m.runYtdlp(ctx, timeout, args)
			if runErr != nil {
				if ctx.Err() != nil {
					return "", "", ctx.Err()
				}
				errText := utils.StripANSI(strings.TrimSpace(stderr))
				if errText == "" {
					errText = "download failed"
				}
				lastErr = utils.TailString(errText, 1200)
				continue
			}

			files, _ := filepath.Glob(filepath.Join(workdir, "audio.*"))
			var best string
			var bestSize int64
			for _, p := range files {
				if strings.HasSuffix(p, ".part") {
					continue
				}
				info, err := os.Stat(p)
				if err != nil || info.IsDir() {
					continue
				}
				if info.Size() > bestSize {
					best = p
					bestSize = info.Size()
				}
			}
			if best == "" {
				lastErr = "Audio extraction finished, but no audio file was found."
				continue
			}
			if bestSize <= 0 {
				lastErr = "Audio download produced an empty file."
				continue
			}
			return best, title, nil
		}
	}
	if lastErr == "" {
		lastErr = "Audio download failed."
	}
	return "", "", errors.New(lastErr)
}

// ExtractAudioFromLocal pulls an AAC track out of an already-saved file so
// STT can run without re-downloading.
func (m *mediaSourceService) ExtractAudioFromLocal(ctx context.Context, videoPath, workdir string) (string, string, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return "", "", fmt.Errorf("local video file not found: %s", videoPath)
	}
	outAudio := filepath.Join(workdir, "audio_local.m4a")
	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y", "-i", videoPath,
		"-vn", "-c:a", "aac", "-b:a", "192k",
		outAudio,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", "", errors.New(utils.TailString(utils.StripANSI(string(out)), 1200))
	}
	if _, err := os.Stat(outAudio); err != nil {
		return "", "", errors.New("ffmpeg extract produced no output file")
	}
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	return outAudio, stem, nil
}

var (
	percentRE = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)
	etaRE     = regexp.MustCompile(`ETA\s+(\d+:\d+)`)
	speedRE   = regexp.MustCompile(`at\s+([0-9.]+[KMG]iB/s)`)
)

func (m *mediaSourceService) partStats(videoID string) (string, int64, time.Time) {
	part := m.NewestPartForVideo(videoID)
	if part == "" {
		return "", -1, time.Time{}
	}
	info, err := os.Stat(part)
	if err != nil {
		return part, -1, time.Time{}
	}
	return part, info.Size(), info.ModTime()
}

// DownloadWithProgress runs a full download, streaming progress updates and
// enforcing the live stop/stuck/private rules. Retries client profiles on
// access errors; live-tagged errors pass through untouched.
func (m *mediaSourceService) DownloadWithProgress(ctx context.Context, req DownloadRequest) (string, error) {
	for idx, variant := range clientProfileVariants {
		finalPath, err := m.downloadOnce(ctx, req, variant)
		if err == nil {
			return finalPath, nil
		}
		if errors.Is(err, ErrLiveStopRequested) || errors.Is(err, ErrLiveStuckTimeout) || errors.Is(err, ErrLiveBecamePrivate) {
			return "", err
		}
		reason := err.Error()
		retryable := strings.Contains(strings.ToLower(reason), "no video formats found") ||
			isAntibotError(reason) ||
			strings.Contains(strings.ToLower(reason), "challenge solving failed") ||
			errors.Is(err, ErrYtdlpFailed)
		if idx < len(clientProfileVariants)-1 && retryable {
			if req.OnProgress != nil {
				req.OnProgress(ProgressUpdate{
					Kind: "line",
					Raw:  fmt.Sprintf("Retrying with alternate YouTube client profile (%d/%d)...", idx+2, len(clientProfileVariants)),
				})
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(float64(idx+1) * 1.2 * float64(time.Second))):
			}
			continue
		}
		return "", err
	}
	return "", ErrYtdlpFailed
}

func (m *mediaSourceService) downloadOnce(ctx context.Context, req DownloadRequest, clientVariant []string) (string, error) {
	base, err := m.baseCmd()
	if err != nil {
		return "", err
	}
	stuckTimeout := time.Duration(utils.GetEnvAsInt("LIVE_STUCK_TIMEOUT_SEC", 300, nil)) * time.Second
	format := fmt.Sprintf("bv*[height<=%d]+ba/b[height<=%d]/b", m.maxHeight, m.maxHeight)

	args := append(append([]string{}, base...), clientVariant...)
	args = append(args,
		"--newline",
		"--print", "after_move:filepath",
		"-f", format,
		"--merge-output-format", "mp4",
	)
	args = append(args, req.ExtraArgs...)
	args = append(args, "-o", req.OutputTemplate, req.URL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, m.ytdlpPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return "", err
	}

	lines := make(chan string, 64)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	finalPath := ""
	sawPrivateError := false
	var recentLines []string
	lastFileChange := time.Now()
	var lastSize int64 = -1
	lastRateCheck := time.Now()
	var lastRateSize int64 = -1
	var lastLiveReport time.Time
	const liveReportEvery = 10 * time.Second

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fail := func(tagged error) (string, error) {
		cancel()
		_ = cmd.Process.Kill()
		<-readerDone
		_ = cmd.Wait()
		return "", tagged
	}

	handleLine := func(raw string) {
		s := utils.StripANSI(raw)
		if s == "" {
			return
		}
		recentLines = append(recentLines, s)
		if len(recentLines) > 40 {
			recentLines = recentLines[1:]
		}
		low := strings.ToLower(s)
		if strings.Contains(low, "video unavailable") && strings.Contains(low, "private") {
			sawPrivateError = true
		}
		if strings.HasPrefix(s, m.storageDir+string(os.PathSeparator)) &&
			(strings.HasSuffix(s, ".mp4") || strings.HasSuffix(s, ".webm") || strings.HasSuffix(s, ".mkv")) {
			finalPath = s
		}
		if req.OnProgress == nil {
			return
		}
		if match := percentRE.FindStringSubmatch(s); match != nil {
			pct := 0.0
			_, _ = fmt.Sscanf(match[1], "%f", &pct)
			eta := "?"
			if em := etaRE.FindStringSubmatch(s); em != nil {
				eta = em[1]
			}
			speed := "?"
			if sm := speedRE.FindStringSubmatch(s); sm != nil {
				speed = sm[1]
			}
			req.OnProgress(ProgressUpdate{Kind: "percent", Percent: pct, Speed: speed, ETA: eta, Raw: s})
		} else {
			req.OnProgress(ProgressUpdate{Kind: "line", Raw: s})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-ticker.C:
			if req.ShouldStop != nil && req.ShouldStop() {
				return fail(ErrLiveStopRequested)
			}
			if !req.IsLive {
				continue
			}
			_, size, mtime := m.partStats(req.VideoID)
			now := time.Now()
			if size >= 0 {
				if size != lastSize {
					lastSize = size
					lastFileChange = now
				} else if !mtime.IsZero() && now.Sub(mtime) < 2500*time.Millisecond {
					lastFileChange = now
				}
			}
			if now.Sub(lastFileChange) > stuckTimeout {
				return fail(ErrLiveStuckTimeout)
			}
			if size >= 0 && req.OnProgress != nil && now.Sub(lastLiveReport) >= liveReportEvery {
				lastLiveReport = now
				if size == 0 {
					req.OnProgress(ProgressUpdate{Kind: "live_stats", Raw: "⌛ Connected. Waiting for first LIVE chunk..."})
				} else {
					rateTxt := "?"
					if lastRateSize >= 0 {
						dt := now.Sub(lastRateCheck).Seconds()
						if dt > 0.5 {
							rate := float64(size-lastRateSize) / dt
							if rate < 0 {
								rate = 0
							}
							rateTxt = utils.HumanBytes(int64(rate)) + " /s"
						}
					}
					lastRateCheck = now
					lastRateSize = size
					req.OnProgress(ProgressUpdate{
						Kind: "live_stats",
						Raw:  fmt.Sprintf("📦 File: %s\n⚡ Growth: %s", utils.HumanBytes(size), rateTxt),
					})
				}
			}
		case line, ok := <-lines:
			if !ok {
				waitErr := cmd.Wait()
				if waitErr != nil {
					if sawPrivateError && req.IsLive {
						return "", ErrLiveBecamePrivate
					}
					errLine := ""
					for i := len(recentLines) - 1; i >= 0; i-- {
						low := strings.ToLower(recentLines[i])
						if strings.HasPrefix(low, "error:") ||
							strings.Contains(low, "no video formats found") ||
							strings.Contains(low, "confirm you") ||
							strings.Contains(low, "challenge solving failed") {
							errLine = recentLines[i]
							break
						}
					}
					if errLine != "" {
						return "", errors.New(errLine)
					}
					return "", ErrYtdlpFailed
				}
				return finalPath, nil
			}
			handleLine(line)
		}
	}
}

func (m *mediaSourceService) SearchVideos(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	base, err := m.baseCmd()
	if err != nil {
		return nil, err
	}
	// ytsearch needs playlist expansion, so --no-playlist comes back out.
	filtered := make([]string, 0, len(base))
	for _, arg := range base {
		if arg == "--no-playlist" {
			continue
		}
		filtered = append(filtered, arg)
	}
	if maxResults < 1 {
		maxResults = 1
	}
	args := append(filtered, "--dump-single-json", fmt.Sprintf("ytsearch%d:%s", maxResults, query))
	stdout, _, runErr := m.runYtdlp(ctx, 0, args)
	if runErr != nil {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return nil, nil
	}
	entries, _ := payload["entries"].([]any)
	out := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		item, ok := e.(map[string]any)
		if !ok {
			continue
		}
		getStr := func(key string) string {
			if s, ok := item[key].(string); ok {
				return strings.TrimSpace(s)
			}
			return ""
		}
		getInt := func(key string) int64 {
			if f, ok := item[key].(float64); ok {
				return int64(f)
			}
			return 0
		}
		vid := getStr("id")
		if vid == "" {
			vid = utils.ExtractYouTubeID(getStr("url"))
			if vid == "" {
				vid = utils.ExtractYouTubeID(getStr("webpage_url"))
			}
		}
		if vid == "" {
			continue
		}
		url := getStr("webpage_url")
		if url == "" {
			url = "https://www.youtube.com/watch?v=" + vid
		}
		channel := getStr("channel")
		if channel == "" {
			channel = getStr("uploader")
		}
		published := getStr("upload_date")
		if published == "" {
			published = getStr("release_date")
		}
		thumbnail := getStr("thumbnail")
		if thumbnail == "" {
			if thumbs, ok := item["thumbnails"].([]any); ok && len(thumbs) > 0 {
				if first, ok := thumbs[0].(map[string]any); ok {
					if u, ok := first["url"].(string); ok {
						thumbnail = strings.TrimSpace(u)
					}
				}
			}
		}
		out = append(out, SearchResult{
			VideoID:       vid,
			URL:           url,
			Title:         getStr("title"),
			Channel:       channel,
			ViewCount:     getInt("view_count"),
			PublishedUTC:  published,
			DurationSec:   int(getInt("duration")),
			ThumbnailURL:  thumbnail,
			FollowerCount: getInt("channel_follower_count"),
			Meta:          item,
		})
	}
	return out, nil
}

func (m *mediaSourceService) NewestPartForVideo(videoID string) string {
	if videoID == "" {
		return ""
	}
	entries, err := os.ReadDir(m.storageDir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), videoID) {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(m.storageDir, e.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

func (m *mediaSourceService) AnyExistingFileForVideo(videoID string) string {
	if videoID == "" {
		return ""
	}
	entries, err := os.ReadDir(m.storageDir)
	if err != nil {
		return ""
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), videoID) {
			continue
		}
		low := strings.ToLower(e.Name())
		if strings.HasSuffix(low, ".part") || strings.HasSuffix(low, ".ytdl") || strings.HasSuffix(low, ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = filepath.Join(m.storageDir, e.Name())
			newestMod = info.ModTime()
		}
	}
	return newest
}

// EnsurePublicFilename aliases the stored file to "<video_id>.<ext>" so the
// public URL stays stable regardless of title characters.
func (m *mediaSourceService) EnsurePublicFilename(videoID, filename string) string {
	safeVid := utils.SafeVideoID(videoID)
	if safeVid == "" {
		return filename
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	aliasName := safeVid + ext

	src := filepath.Join(m.storageDir, filename)
	dst := filepath.Join(m.storageDir, aliasName)
	if filepath.Base(src) == filepath.Base(dst) {
		return filepath.Base(src)
	}
	if _, err := os.Stat(src); err != nil {
		return filename
	}
	if _, err := os.Stat(dst); err == nil {
		return aliasName
	}
	if err := os.Symlink(filepath.Base(src), dst); err != nil {
		if err := os.Link(src, dst); err != nil {
			return filename
		}
	}
	return aliasName
}

func (m *mediaSourceService) BuildPublicURL(filename string) string {
	if m.publicBase == "" {
		return filename
	}
	return m.publicBase + "/" + strings.TrimPrefix((&neturl.URL{Path: filename}).EscapedPath(), "/")
}
