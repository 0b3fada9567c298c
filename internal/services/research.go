package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

const defaultNoCaptionMaxDurationSec = 10 * 60

// ProgressEvent is the observable unit of a research run. Every step emits
// one; the job registry folds them into brew-job snapshots.
type ProgressEvent struct {
	EventType    string         `json:"event_type"`
	RunKind      string         `json:"run_kind"`
	StatusTitle  string         `json:"status_title"`
	LLMBackend   string         `json:"llm_backend"`
	TimestampUTC string         `json:"timestamp_utc"`
	Detail       string         `json:"detail"`
	Progress     StepProgress   `json:"progress"`
	GoalText     string         `json:"goal_text,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Queries      []string       `json:"queries,omitempty"`

	TotalCandidates int            `json:"total_candidates,omitempty"`
	Videos          []VideoPreview `json:"videos,omitempty"`
	SearchStats     *SearchStats   `json:"search_stats,omitempty"`
	QueryStats      []QueryStats   `json:"query_stats,omitempty"`

	CurrentIndex int           `json:"current_index,omitempty"`
	TotalVideos  int           `json:"total_videos,omitempty"`
	Video        *VideoPreview `json:"video,omitempty"`

	ComparedVideoCount int `json:"compared_video_count,omitempty"`

	RunID      string         `json:"run_id,omitempty"`
	IsPublic   bool           `json:"is_public,omitempty"`
	ReportText string         `json:"report_text,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type StepProgress struct {
	Step       int     `json:"step"`
	TotalSteps int     `json:"total_steps"`
	Ratio      float64 `json:"ratio"`
}

type VideoPreview struct {
	VideoID          string  `json:"video_id"`
	URL              string  `json:"url"`
	Title            string  `json:"title"`
	Channel          string  `json:"channel"`
	ViewCount        int64   `json:"view_count"`
	PublishedUTC     string  `json:"published_utc"`
	DurationSec      int     `json:"duration_sec"`
	HasCaptions      bool    `json:"has_captions"`
	ThumbnailURL     string  `json:"thumbnail_url"`
	PopularityScore  float64 `json:"popularity_score"`
	Rank             int     `json:"rank"`
	TranscriptSource string  `json:"transcript_source,omitempty"`
	TranscriptChars  int     `json:"transcript_chars,omitempty"`
}

type QueryStats struct {
	Query                   string `json:"query"`
	Returned                int    `json:"returned"`
	Eligible                int    `json:"eligible"`
	UniqueAdded             int    `json:"unique_added"`
	WithCaptions            int    `json:"with_captions"`
	WithoutCaptions         int    `json:"without_captions"`
	CaptionOverrideKept     int    `json:"caption_override_kept"`
	FilteredTooShort        int    `json:"filtered_too_short"`
	FilteredNoCaptionLong   int    `json:"filtered_no_caption_too_long"`
	FilteredWithoutCaptions int    `json:"filtered_without_captions"`
}

type SearchStats struct {
	QueryCount              int          `json:"query_count"`
	SeenTotal               int          `json:"seen_total"`
	EligibleTotal           int          `json:"eligible_total"`
	WithCaptions            int          `json:"with_captions"`
	WithoutCaptions         int          `json:"without_captions"`
	CaptionOverrideKept     int          `json:"caption_override_kept"`
	FilteredTooShort        int          `json:"filtered_too_short"`
	FilteredNoCaptionLong   int          `json:"filtered_no_caption_too_long"`
	FilteredWithoutCaptions int          `json:"filtered_without_captions"`
	CaptionsOnly            bool         `json:"captions_only"`
	NoCaptionMaxDurationSec int          `json:"no_caption_max_duration_sec"`
	QueryStats              []QueryStats `json:"query_stats"`
}

type ResearchOverrides struct {
	PerQuery       int
	MaxQueries     int
	MaxVideos      int
	MinDurationSec int
	MaxDurationSec int
	CaptionsOnly   bool
}

type ResearchRequest struct {
	ChatID      int64
	GoalText    string
	Persist     bool
	StatusTitle string
	RunKind     string
	Overrides   ResearchOverrides
	OnProgress  func(ProgressEvent)
}

// ResearchService drives the multi-step research pipeline: intent, query
// generation, candidate search, per-video transcript+facts, comparison.
type ResearchService interface {
	RunMarketResearch(ctx context.Context, req ResearchRequest) (string, string, error)
	RunKnowledgeJuice(ctx context.Context, req ResearchRequest) (string, string, error)
}

type researchService struct {
	log        *logger.Logger
	llm        LLMService
	media      MediaSourceService
	speech     SpeechService
	transcript TranscriptService
	research   repos.ResearchRepo
}

func NewResearchService(
	log *logger.Logger,
	llm LLMService,
	media MediaSourceService,
	speech SpeechService,
	transcript TranscriptService,
	research repos.ResearchRepo,
) ResearchService {
	return &researchService{
		log:        log.With("service", "ResearchService"),
		llm:        llm,
		media:      media,
		speech:     speech,
		transcript: transcript,
		research:   research,
	}
}

// BuildKnowledgeJuiceGoal expands a bare topic into the fixed research goal
// template.
func BuildKnowledgeJuiceGoal(topic string) string {
	t := utils.CollapseWhitespace(topic)
	if t == "" {
		return ""
	}
	return fmt.Sprintf(
		"I want to become successful in %s. "+
			"Find popular YouTube videos where real owners/operators explain how they started and grew. "+
			"Save transcripts, compare similarities and differences, and give practical next steps.",
		t,
	)
}

func (s *researchService) RunKnowledgeJuice(ctx context.Context, req ResearchRequest) (string, string, error) {
	topic := utils.CollapseWhitespace(req.GoalText)
	if topic == "" {
		return "", "", fmt.Errorf("knowledge topic is empty")
	}
	req.GoalText = BuildKnowledgeJuiceGoal(topic)
	if req.StatusTitle == "" {
		req.StatusTitle = "🧃 Knowledge Juice"
	}
	req.RunKind = "knowledge_juice"
	return s.RunMarketResearch(ctx, req)
}

// ---- popularity and filtering ----

var uploadDateRE = regexp.MustCompile(`^\d{8}$`)

func parseUploadDate(value string) *time.Time {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil
	}
	if uploadDateRE.MatchString(raw) {
		if t, err := time.Parse("20060102", raw); err == nil {
			t = t.UTC()
			return &t
		}
		return nil
	}
	if t, err := time.Parse(time.RFC3339, strings.ReplaceAll(raw, "Z", "+00:00")); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}

// VideoPopularityScore blends views, channel following, recency, and a
// duration shape prior into [0,1].
func VideoPopularityScore(views, followers int64, durationSec int, publishedUTC string) float64 {
	viewTerm := math.Min(1.0, math.Log1p(math.Max(0, float64(views)))/16.0)
	followerTerm := math.Min(1.0, math.Log1p(math.Max(0, float64(followers)))/16.0)
	durationTerm := 0.0
	if durationSec > 0 {
		durationTerm = math.Min(1.0, math.Max(0.0, float64(durationSec-180)/1800.0))
	}
	recencyTerm := 0.5
	if uploadDt := parseUploadDate(publishedUTC); uploadDt != nil {
		days := math.Max(0.0, time.Since(*uploadDt).Seconds()/86400.0)
		recencyTerm = math.Max(0.1, math.Min(1.0, 1.0/(1.0+days/180.0)))
	}
	return 0.55*viewTerm + 0.15*followerTerm + 0.20*recencyTerm + 0.10*durationTerm
}

func (s *researchService) hasCaptions(ctx context.Context, item *SearchResult, cache map[string]bool) bool {
	vid := strings.TrimSpace(item.VideoID)
	if vid != "" {
		if v, ok := cache[vid]; ok {
			return v
		}
	}
	metaState := captionStateFromMeta(item.Meta)
	if metaState == nil {
		metaState = s.media.ProbeHasCaptions(ctx, item.URL)
	}
	value := metaState != nil && *metaState
	if vid != "" {
		cache[vid] = value
	}
	return value
}

type candidateFilters struct {
	minDurationSec          int
	noCaptionMaxDurationSec int
	captionsOnly            bool
}

// collectCandidateVideos searches every query, applies the caption-aware
// duration filters, merges duplicates keeping the best popularity, and
// ranks globally.
func (s *researchService) collectCandidateVideos(ctx context.Context, queries []string, perQuery, maxTotal int, filters candidateFilters) ([]SearchResult, *SearchStats) {
	merged := map[string]SearchResult{}
	captionCache := map[string]bool{}
	stats := &SearchStats{
		CaptionsOnly:            filters.captionsOnly,
		NoCaptionMaxDurationSec: filters.noCaptionMaxDurationSec,
	}
	for _, q := range queries {
		if strings.TrimSpace(q) != "" {
			stats.QueryCount++
		}
	}

	for _, q := range queries {
		queryText := strings.TrimSpace(q)
		rows, err := s.media.SearchVideos(ctx, queryText, perQuery)
		if err != nil {
			rows = nil
		}
		qStats := QueryStats{Query: queryText, Returned: len(rows)}
		for i := range rows {
			item := rows[i]
			stats.SeenTotal++
			dur := item.DurationSec
			tooShortIfNoCaptions := filters.minDurationSec > 0 && dur > 0 && dur < filters.minDurationSec
			tooLongIfNoCaptions := filters.noCaptionMaxDurationSec > 0 && dur > 0 && dur > filters.noCaptionMaxDurationSec
			needsCaptionOverride := tooShortIfNoCaptions || tooLongIfNoCaptions

			var hasCaptions bool
			if needsCaptionOverride || filters.captionsOnly {
				hasCaptions = s.hasCaptions(ctx, &item, captionCache)
			} else {
				metaState := captionStateFromMeta(item.Meta)
				hasCaptions = metaState != nil && *metaState
			}
			item.HasCaptions = hasCaptions
			if hasCaptions {
				stats.WithCaptions++
				qStats.WithCaptions++
			} else {
				stats.WithoutCaptions++
				qStats.WithoutCaptions++
			}

			if filters.captionsOnly && !hasCaptions {
				stats.FilteredWithoutCaptions++
				qStats.FilteredWithoutCaptions++
				continue
			}
			if needsCaptionOverride && !hasCaptions {
				if tooShortIfNoCaptions {
					stats.FilteredTooShort++
					qStats.FilteredTooShort++
				}
				if tooLongIfNoCaptions {
					stats.FilteredNoCaptionLong++
					qStats.FilteredNoCaptionLong++
				}
				continue
			}
			if needsCaptionOverride && hasCaptions {
				stats.CaptionOverrideKept++
				qStats.CaptionOverrideKept++
			}

			stats.EligibleTotal++
			qStats.Eligible++
			item.PopularityScore = VideoPopularityScore(item.ViewCount, item.FollowerCount, item.DurationSec, item.PublishedUTC)
			existing, exists := merged[item.VideoID]
			if !exists {
				qStats.UniqueAdded++
			}
			if !exists || item.PopularityScore > existing.PopularityScore {
				merged[item.VideoID] = item
			}
		}
		stats.QueryStats = append(stats.QueryStats, qStats)
	}

	ranked := make([]SearchResult, 0, len(merged))
	for _, item := range merged {
		ranked = append(ranked, item)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].PopularityScore != ranked[j].PopularityScore {
			return ranked[i].PopularityScore > ranked[j].PopularityScore
		}
		return ranked[i].VideoID < ranked[j].VideoID
	})
	if len(ranked) > maxTotal {
		ranked = ranked[:maxTotal]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, stats
}

func videoPreview(item SearchResult) VideoPreview {
	return VideoPreview{
		VideoID:         item.VideoID,
		URL:             item.URL,
		Title:           item.Title,
		Channel:         item.Channel,
		ViewCount:       item.ViewCount,
		PublishedUTC:    item.PublishedUTC,
		DurationSec:     item.DurationSec,
		HasCaptions:     item.HasCaptions,
		ThumbnailURL:    item.ThumbnailURL,
		PopularityScore: item.PopularityScore,
		Rank:            item.Rank,
	}
}

// SearchSummaryText renders the aggregated search stats as one sentence
// plus a per-query digest.
func SearchSummaryText(stats *SearchStats, maxQueries int) string {
	if stats == nil {
		return ""
	}
	summary := fmt.Sprintf("Searched %d queries and got %d results; %d passed filters.",
		stats.QueryCount, stats.SeenTotal, stats.EligibleTotal)
	if stats.CaptionsOnly {
		summary += fmt.Sprintf(" Fast mode removed %d items without captions.", stats.FilteredWithoutCaptions)
	}
	if len(stats.QueryStats) > 0 {
		if maxQueries < 1 {
			maxQueries = 1
		}
		var chunks []string
		for i, row := range stats.QueryStats {
			if i >= maxQueries {
				break
			}
			q := utils.CollapseWhitespace(row.Query)
			if len(q) > 42 {
				q = strings.TrimSpace(q[:39]) + "..."
			}
			chunks = append(chunks, fmt.Sprintf("%q→%d", q, row.Returned))
		}
		if len(chunks) > 0 {
			summary += " Per query: " + strings.Join(chunks, ", ") + "."
		}
	}
	return summary
}

// ---- LLM steps ----

func (s *researchService) parseGoalIntent(ctx context.Context, goalText string, markBackend func(string)) types.ResearchIntent {
	system := "Extract structured research intent for a business-learning request. " +
		"Return JSON with keys: domain, objective, target_region, target_language, audience, success_signals. " +
		"success_signals must be a short list."
	payload, provider, err := s.llm.ChatJSONWithChain(ctx, s.llm.ResearchChain(), system, "Request: "+goalText, 0.1, 60*time.Second)
	if err != nil {
		payload = map[string]any{}
	}
	markBackend(provider)

	objective := strings.TrimSpace(stringField(payload, "objective"))
	if objective == "" {
		objective = goalText
	}
	var signals []string
	if raw, ok := payload["success_signals"].([]any); ok {
		for _, item := range raw {
			if v := strings.TrimSpace(fmt.Sprint(item)); v != "" && v != "<nil>" {
				signals = append(signals, v)
			}
		}
	}
	return types.ResearchIntent{
		Domain:         strings.TrimSpace(stringField(payload, "domain")),
		Objective:      objective,
		TargetRegion:   strings.TrimSpace(stringField(payload, "target_region")),
		TargetLanguage: strings.TrimSpace(stringField(payload, "target_language")),
		Audience:       strings.TrimSpace(stringField(payload, "audience")),
		SuccessSignals: signals,
	}
}

func (s *researchService) generateQueries(ctx context.Context, goalText string, intent types.ResearchIntent, maxQueries int, markBackend func(string)) []string {
	system := "Generate high-quality YouTube search queries for finding owner success stories and practical business lessons. " +
		"Return JSON with key queries (list of strings). Keep queries diverse and concise."
	intentBlob, _ := json.Marshal(intent)
	user := fmt.Sprintf("Goal: %s\nIntent: %s\nMax queries: %d", goalText, string(intentBlob), maxQueries)

	payload, provider, err := s.llm.ChatJSONWithChain(ctx, s.llm.ResearchChain(), system, user, 0.1, 60*time.Second)
	if err != nil {
		payload = map[string]any{}
	}
	markBackend(provider)

	var queries []string
	if raw, ok := payload["queries"].([]any); ok {
		for _, item := range raw {
			if q := strings.TrimSpace(fmt.Sprint(item)); q != "" && q != "<nil>" {
				queries = append(queries, q)
			}
		}
	}
	if len(queries) == 0 {
		base := utils.CollapseWhitespace(goalText)
		queries = []string{
			base + " success story",
			base + " owner interview",
			base + " how I started",
			base + " business case study",
			base + " mistakes and lessons",
			base + " from zero to profitable",
		}
	}
	var out []string
	seen := map[string]bool{}
	for _, q := range queries {
		key := strings.ToLower(q)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) >= maxQueries {
			break
		}
	}
	return out
}

func (s *researchService) extractBusinessFacts(ctx context.Context, goalText, title, transcriptText string, markBackend func(string)) map[string]any {
	window := utils.TruncateString(transcriptText, 22000)
	system := "You extract business-learning facts from a transcript. " +
		"Return JSON only with keys: is_owner_story, confidence, business_model, growth_levers, " +
		"marketing_channels, operations, mistakes, key_metrics, differentiators, evidence_quotes. " +
		"All list fields should contain short strings."
	user := fmt.Sprintf("Research goal: %s\nVideo title: %s\n\nTranscript:\n%s", goalText, title, window)

	payload, provider, err := s.llm.ChatJSONWithChain(ctx, s.llm.ResearchChain(), system, user, 0.1, 120*time.Second)
	markBackend(provider)
	if err == nil && len(payload) > 0 {
		return payload
	}
	return map[string]any{
		"is_owner_story":     "unknown",
		"confidence":         0.0,
		"business_model":     "",
		"growth_levers":      []any{},
		"marketing_channels": []any{},
		"operations":         []any{},
		"mistakes":           []any{},
		"key_metrics":        []any{},
		"differentiators":    []any{},
		"evidence_quotes":    []any{},
	}
}

func (s *researchService) buildComparisonReport(
	ctx context.Context,
	goalText string,
	videos []types.ResearchVideo,
	factRows []repos.ResearchVideoFactView,
	markBackend func(string),
) (string, map[string]any) {
	ownerConfMin := utils.GetEnvAsFloat("RESEARCH_OWNER_CONFIDENCE_MIN", 0.55, nil)
	factsByVid := map[string]repos.ResearchVideoFactView{}
	for _, row := range factRows {
		factsByVid[row.VideoID] = row
	}

	type comparisonRow struct {
		VideoID       string         `json:"video_id"`
		Title         string         `json:"title"`
		Channel       string         `json:"channel"`
		ViewCount     int64          `json:"view_count"`
		Facts         map[string]any `json:"facts"`
		IsOwnerStory  *bool          `json:"is_owner_story"`
		Confidence    float64        `json:"confidence"`
		BusinessModel string         `json:"business_model"`
	}

	var payload []comparisonRow
	ownerIDs := map[string]bool{}
	for _, item := range videos {
		row := factsByVid[item.VideoID]
		if row.IsOwnerStory != nil && *row.IsOwnerStory && row.Confidence >= ownerConfMin {
			ownerIDs[item.VideoID] = true
		}
		payload = append(payload, comparisonRow{
			VideoID:       item.VideoID,
			Title:         item.Title,
			Channel:       item.Channel,
			ViewCount:     item.ViewCount,
			Facts:         row.Facts,
			IsOwnerStory:  row.IsOwnerStory,
			Confidence:    row.Confidence,
			BusinessModel: row.BusinessModel,
		})
	}

	// With two or more confident owner stories, only they get compared.
	comparisonPayload := payload
	if len(ownerIDs) >= 2 {
		comparisonPayload = nil
		for _, row := range payload {
			if ownerIDs[row.VideoID] {
				comparisonPayload = append(comparisonPayload, row)
			}
		}
	}

	system := "You compare multiple business success stories. " +
		"Return JSON with keys: similarities, differences, recommendations. " +
		"Each value should be a list of concise bullets."
	payloadBlob, _ := json.Marshal(comparisonPayload)
	user := fmt.Sprintf("Goal: %s\n\nAnalyzed videos and extracted facts:\n%s",
		goalText, utils.TruncateString(string(payloadBlob), 42000))

	summary, provider, err := s.llm.ChatJSONWithChain(ctx, s.llm.ResearchChain(), system, user, 0.1, 120*time.Second)
	markBackend(provider)
	if err != nil {
		summary = map[string]any{}
	}

	listField := func(key string) []string {
		var out []string
		if raw, ok := summary[key].([]any); ok {
			for _, item := range raw {
				if v := strings.TrimSpace(fmt.Sprint(item)); v != "" && v != "<nil>" {
					out = append(out, v)
				}
			}
		}
		return out
	}
	similarities := listField("similarities")
	differences := listField("differences")
	recommendations := listField("recommendations")

	lines := []string{
		"📊 Business Research Report",
		"🎯 Goal: " + goalText,
		fmt.Sprintf("🎥 Videos analyzed: %d", len(videos)),
		fmt.Sprintf("👤 Owner-story matches: %d", len(ownerIDs)),
		"",
		"Top videos:",
	}
	for i, item := range videos {
		if i >= 10 {
			break
		}
		name := item.Title
		if name == "" {
			name = item.VideoID
		}
		channel := item.Channel
		if channel == "" {
			channel = "Unknown"
		}
		lines = append(lines, fmt.Sprintf("• %s (%s, views: %d)", name, channel, item.ViewCount))
	}

	appendSection := func(header string, items []string, empty string) {
		lines = append(lines, "", header)
		if len(items) > 0 {
			for i, x := range items {
				if i >= 8 {
					break
				}
				lines = append(lines, "• "+x)
			}
		} else {
			lines = append(lines, "• "+empty)
		}
	}
	appendSection("✅ Similarities", similarities, "Not enough consistent overlap extracted yet.")
	appendSection("🧩 Differences", differences, "Not enough strong contrasts extracted yet.")
	appendSection("🛠 Recommended next actions", recommendations, "Collect more interviews and compare again.")

	return strings.TrimSpace(strings.Join(lines, "\n")), map[string]any{
		"similarities":         similarities,
		"differences":          differences,
		"recommendations":      recommendations,
		"owner_story_matches":  len(ownerIDs),
		"compared_video_count": len(comparisonPayload),
	}
}

func (s *researchService) extractResearchTopics(
	ctx context.Context,
	goalText string,
	intent types.ResearchIntent,
	factRows []repos.ResearchVideoFactView,
	markBackend func(string),
) []types.TopicTag {
	system := "Extract concise topic tags for cross-domain business learning. " +
		`Return JSON: {"topics":[{"tag":"...","weight":0.0-1.0}]} with 5-12 tags.`
	userPayload := map[string]any{
		"goal_text": goalText,
		"intent":    intent,
		"facts":     factRows,
	}
	blob, _ := json.Marshal(userPayload)
	user := "Data:\n" + utils.TruncateString(string(blob), 32000)

	payload, provider, err := s.llm.ChatJSONWithChain(ctx, s.llm.ResearchChain(), system, user, 0.1, 90*time.Second)
	markBackend(provider)

	var out []types.TopicTag
	if err == nil {
		if raw, ok := payload["topics"].([]any); ok {
			for _, item := range raw {
				switch v := item.(type) {
				case map[string]any:
					tag := strings.ToLower(strings.TrimSpace(stringField(v, "tag")))
					if tag == "" {
						tag = strings.ToLower(strings.TrimSpace(stringField(v, "topic")))
					}
					weight := 0.5
					if f, ok := v["weight"].(float64); ok {
						weight = f
					}
					if tag != "" {
						out = append(out, types.TopicTag{Tag: tag, Weight: weight})
					}
				default:
					tag := strings.ToLower(strings.TrimSpace(fmt.Sprint(item)))
					if tag != "" && tag != "<nil>" {
						out = append(out, types.TopicTag{Tag: tag, Weight: 0.5})
					}
				}
			}
		}
	}
	deduped := repos.NormalizeTopicTags(out)
	if len(deduped) > 12 {
		deduped = deduped[:12]
	}
	if len(deduped) > 0 {
		return deduped
	}

	// Model gave nothing usable; derive tags from intent and facts.
	var fallback []types.TopicTag
	if domain := strings.ToLower(strings.TrimSpace(intent.Domain)); domain != "" {
		fallback = append(fallback, types.TopicTag{Tag: domain, Weight: 0.8})
	}
	for _, row := range factRows {
		if bm := strings.ToLower(strings.TrimSpace(row.BusinessModel)); bm != "" {
			fallback = append(fallback, types.TopicTag{Tag: bm, Weight: 0.6})
		}
	}
	fallback = repos.NormalizeTopicTags(fallback)
	if len(fallback) > 8 {
		fallback = fallback[:8]
	}
	return fallback
}

// ---- the pipeline ----

func (s *researchService) RunMarketResearch(ctx context.Context, req ResearchRequest) (string, string, error) {
	goal := utils.CollapseWhitespace(req.GoalText)
	if goal == "" {
		return "", "", fmt.Errorf("research goal is empty")
	}
	statusTitle := req.StatusTitle
	if statusTitle == "" {
		statusTitle = "🧭 Research"
	}
	runKind := strings.TrimSpace(req.RunKind)
	if runKind == "" {
		runKind = "research"
	}

	perQuery := req.Overrides.PerQuery
	if perQuery <= 0 {
		perQuery = utils.GetEnvAsInt("RESEARCH_RESULTS_PER_QUERY", 8, nil)
	}
	if perQuery < 3 {
		perQuery = 3
	}
	maxQueries := req.Overrides.MaxQueries
	if maxQueries <= 0 {
		maxQueries = utils.GetEnvAsInt("RESEARCH_MAX_QUERIES", 8, nil)
	}
	if maxQueries < 3 {
		maxQueries = 3
	}
	maxVideos := req.Overrides.MaxVideos
	if maxVideos <= 0 {
		maxVideos = utils.GetEnvAsInt("RESEARCH_MAX_VIDEOS", 6, nil)
	}
	if maxVideos < 2 {
		maxVideos = 2
	}
	minDurationSec := req.Overrides.MinDurationSec
	if minDurationSec < 0 {
		minDurationSec = 0
	}
	maxDurationSec := req.Overrides.MaxDurationSec
	if maxDurationSec < 0 {
		maxDurationSec = 0
	}
	noCaptionMax := defaultNoCaptionMaxDurationSec
	if maxDurationSec > 0 && maxDurationSec < noCaptionMax {
		noCaptionMax = maxDurationSec
	}
	captionsOnly := req.Overrides.CaptionsOnly

	currentBackend := "unknown"
	markBackend := func(provider string) {
		p := strings.ToLower(strings.TrimSpace(provider))
		if p == ProviderLocal || p == ProviderClaude || p == ProviderOpenAI {
			currentBackend = p
		}
	}

	emit := func(event ProgressEvent) {
		if req.OnProgress == nil {
			return
		}
		event.RunKind = runKind
		event.StatusTitle = statusTitle
		event.LLMBackend = currentBackend
		event.TimestampUTC = utils.UTCNowISO()
		req.OnProgress(event)
	}

	runID := ""
	var lastStats *SearchStats

	fail := func(err error) (string, string, error) {
		if req.Persist && runID != "" {
			_ = s.research.FinalizeRun(ctx, runID, types.RunStatusFailed, "Research failed: "+err.Error(), map[string]any{})
		}
		event := ProgressEvent{
			EventType: "failed",
			Error:     err.Error(),
			RunID:     runID,
			IsPublic:  runID != "",
			Detail:    err.Error(),
			Progress:  StepProgress{Step: 5, TotalSteps: 5, Ratio: 1.0},
		}
		if lastStats != nil {
			event.SearchStats = lastStats
			event.QueryStats = lastStats.QueryStats
		}
		emit(event)
		return runID, "", err
	}

	emit(ProgressEvent{
		EventType: "started",
		GoalText:  goal,
		Config: map[string]any{
			"per_query":                   perQuery,
			"max_queries":                 maxQueries,
			"max_videos":                  maxVideos,
			"min_duration_sec":            minDurationSec,
			"max_duration_sec":            maxDurationSec,
			"no_caption_max_duration_sec": noCaptionMax,
			"captions_only":               captionsOnly,
		},
		Detail:   "Understanding your goal and preparing settings.",
		Progress: StepProgress{Step: 1, TotalSteps: 5, Ratio: 0.05},
	})

	// Step 1: intent.
	intent := s.parseGoalIntent(ctx, goal, markBackend)
	intent.RunKind = runKind
	if req.Persist {
		id, err := s.research.CreateRun(ctx, req.ChatID, goal, intent, true)
		if err != nil {
			return fail(err)
		}
		runID = id
	}

	// Step 2: queries.
	queries := s.generateQueries(ctx, goal, intent, maxQueries, markBackend)
	emit(ProgressEvent{
		EventType: "queries_ready",
		Queries:   queries,
		Detail:    fmt.Sprintf("Generated %d search queries.", len(queries)),
		Progress:  StepProgress{Step: 2, TotalSteps: 5, Ratio: 0.2},
	})

	// Step 3: candidates.
	videos, stats := s.collectCandidateVideos(ctx, queries, perQuery, maxVideos, candidateFilters{
		minDurationSec:          minDurationSec,
		noCaptionMaxDurationSec: noCaptionMax,
		captionsOnly:            captionsOnly,
	})
	lastStats = stats
	if len(videos) == 0 {
		errText := "No candidate videos found. Try a broader goal."
		switch {
		case captionsOnly && stats.SeenTotal > 0 && stats.EligibleTotal == 0 && stats.FilteredWithoutCaptions > 0:
			errText = "I've found videos, but none had captions/transcripts for fast mode."
		case stats.SeenTotal > 0 && stats.EligibleTotal == 0 && stats.FilteredNoCaptionLong > 0 && stats.WithCaptions == 0:
			errText = fmt.Sprintf(
				"I've found videos, but the no-caption limit is %d minutes max each and these were longer.",
				stats.NoCaptionMaxDurationSec/60)
		case minDurationSec > 0 && stats.SeenTotal > 0 && stats.EligibleTotal == 0 && stats.FilteredTooShort > 0:
			errText = "I've found those videos but they're shorter than your minimum duration setting."
		case stats.SeenTotal == 0:
			errText = "Search returned no videos for the generated queries."
		}
		return fail(fmt.Errorf("%s %s", errText, SearchSummaryText(stats, 4)))
	}

	if req.Persist && runID != "" {
		rows := make([]types.ResearchVideo, 0, len(videos))
		for _, item := range videos {
			metaBlob, _ := json.Marshal(map[string]any{
				"duration_sec":  item.DurationSec,
				"thumbnail_url": item.ThumbnailURL,
				"has_captions":  item.HasCaptions,
			})
			rows = append(rows, types.ResearchVideo{
				VideoID:         item.VideoID,
				Rank:            item.Rank,
				URL:             item.URL,
				Title:           item.Title,
				Channel:         item.Channel,
				ViewCount:       item.ViewCount,
				PublishedUTC:    item.PublishedUTC,
				PopularityScore: item.PopularityScore,
				MetaJSON:        datatypes.JSON(metaBlob),
			})
		}
		if err := s.research.SaveVideos(ctx, runID, rows); err != nil {
			return fail(err)
		}
	}
	previews := make([]VideoPreview, 0, len(videos))
	for _, v := range videos {
		previews = append(previews, videoPreview(v))
	}
	emit(ProgressEvent{
		EventType:       "candidates_ready",
		TotalCandidates: len(videos),
		Videos:          previews,
		SearchStats:     stats,
		QueryStats:      stats.QueryStats,
		Detail:          SearchSummaryText(stats, 4),
		Progress:        StepProgress{Step: 3, TotalSteps: 5, Ratio: 0.35},
	})

	// Step 4: per-video transcripts and facts.
	type processedVideo struct {
		item             SearchResult
		title            string
		transcriptSource string
		transcriptChars  int
	}
	var processed []processedVideo
	var factsMemory []repos.ResearchVideoFactView

	for i, item := range videos {
		preview := videoPreview(item)
		title := item.Title
		if title == "" {
			title = item.VideoID
		}
		emit(ProgressEvent{
			EventType:    "processing_video",
			CurrentIndex: i + 1,
			TotalVideos:  len(videos),
			Video:        &preview,
			Detail:       fmt.Sprintf("Video %d/%d: downloading transcript for %s", i+1, len(videos), title),
			Progress: StepProgress{
				Step: 4, TotalSteps: 5,
				Ratio: 0.35 + 0.45*float64(i)/float64(len(videos)),
			},
		})

		workdir, err := os.MkdirTemp("", "research_")
		if err != nil {
			return fail(err)
		}
		transcriptSource := ""
		transcriptText := ""
		func() {
			defer os.RemoveAll(workdir)
			segments, capTitle, _, err := s.media.DownloadCaptionSegments(ctx, item.URL, workdir, title)
			if err == nil {
				transcriptText = SegmentsToTranscriptText(segments)
				transcriptSource = types.TranscriptSourceCaptions
				if capTitle != "" {
					title = capTitle
				}
				return
			}
			if captionsOnly {
				return
			}
			audioPath, dlTitle, err := s.media.DownloadAudio(ctx, item.URL, workdir)
			if err != nil {
				return
			}
			segments2, err := s.speech.TranscribeFile(ctx, audioPath)
			if err != nil {
				return
			}
			transcriptText = SegmentsToTranscriptText(segments2)
			transcriptSource = types.TranscriptSourceSTT
			if dlTitle != "" {
				title = dlTitle
			}
		}()

		if strings.TrimSpace(transcriptText) == "" {
			continue
		}

		if req.Persist && runID != "" {
			transcriptPath, err := s.transcript.SaveFullTranscript(item.VideoID, title, transcriptText)
			if err == nil {
				_ = s.research.SaveVideoTranscript(ctx, runID, item.VideoID, transcriptPath, transcriptSource, len(transcriptText))
			}
		}

		facts := s.extractBusinessFacts(ctx, goal, title, transcriptText, markBackend)
		if req.Persist && runID != "" {
			_ = s.research.SaveVideoFact(ctx, runID, item.VideoID, facts)
		}

		processed = append(processed, processedVideo{
			item:             item,
			title:            title,
			transcriptSource: transcriptSource,
			transcriptChars:  len(transcriptText),
		})
		factsMemory = append(factsMemory, factViewFromPayload(item.VideoID, facts))

		donePreview := videoPreview(item)
		donePreview.Title = title
		donePreview.TranscriptSource = transcriptSource
		donePreview.TranscriptChars = len(transcriptText)
		emit(ProgressEvent{
			EventType:    "video_processed",
			CurrentIndex: i + 1,
			TotalVideos:  len(videos),
			Video:        &donePreview,
			Detail:       fmt.Sprintf("Video %d/%d analyzed (%s).", i+1, len(videos), transcriptSource),
			Progress: StepProgress{
				Step: 4, TotalSteps: 5,
				Ratio: 0.35 + 0.45*float64(i+1)/float64(len(videos)),
			},
		})
	}

	// Step 5: comparison and topics.
	emit(ProgressEvent{
		EventType:          "comparing",
		ComparedVideoCount: len(processed),
		Detail:             fmt.Sprintf("Comparing insights across %d videos.", len(processed)),
		Progress:           StepProgress{Step: 5, TotalSteps: 5, Ratio: 0.9},
	})

	var savedVideos []types.ResearchVideo
	var savedFacts []repos.ResearchVideoFactView
	if req.Persist && runID != "" {
		savedVideos, _ = s.research.LoadVideos(ctx, runID)
		savedFacts, _ = s.research.LoadVideoFacts(ctx, runID)
	}
	if len(savedVideos) == 0 {
		for _, p := range processed {
			savedVideos = append(savedVideos, types.ResearchVideo{
				VideoID:          p.item.VideoID,
				Rank:             p.item.Rank,
				URL:              p.item.URL,
				Title:            p.title,
				Channel:          p.item.Channel,
				ViewCount:        p.item.ViewCount,
				PublishedUTC:     p.item.PublishedUTC,
				PopularityScore:  p.item.PopularityScore,
				TranscriptSource: p.transcriptSource,
				TranscriptChars:  p.transcriptChars,
			})
		}
	}
	if len(savedFacts) == 0 {
		savedFacts = factsMemory
	}

	topics := s.extractResearchTopics(ctx, goal, intent, savedFacts, markBackend)
	var topicTags []string
	for _, t := range topics {
		topicTags = append(topicTags, t.Tag)
	}
	related, err := s.research.LoadRelatedPublicTopics(ctx, topicTags, runID, 10)
	if err != nil {
		related = nil
	}

	report, summary := s.buildComparisonReport(ctx, goal, savedVideos, savedFacts, markBackend)
	if len(related) > 0 {
		report += "\n\n🔎 Related Areas You May Explore\n"
		for i, item := range related {
			if i >= 8 {
				break
			}
			report += fmt.Sprintf("\n• %s (seen in %d public researches)", item.Tag, item.RunCount)
		}
	}
	if req.Persist && runID != "" {
		report += fmt.Sprintf("\n\n🌐 Public research ID: %s\nUse /research_view %s in bot or open it in Web UI.", runID, runID)
	} else {
		report += "\n\n🔒 Private mode: this research was not saved."
	}

	if req.Persist && runID != "" {
		if err := s.research.SaveTopics(ctx, runID, topics); err != nil {
			s.log.Warn("Failed to persist research topics", "run_id", runID, "error", err)
		}
		finalSummary := map[string]any{
			"queries":       queries,
			"intent":        intent,
			"topics":        topics,
			"related_areas": related,
			"comparison":    summary,
			"video_count":   len(savedVideos),
		}
		if err := s.research.FinalizeRun(ctx, runID, types.RunStatusCompleted, report, finalSummary); err != nil {
			return fail(err)
		}
	}

	emit(ProgressEvent{
		EventType:  "completed",
		RunID:      runID,
		IsPublic:   runID != "",
		ReportText: report,
		Summary:    summary,
		Detail:     fmt.Sprintf("Completed with %d analyzed videos.", len(savedVideos)),
		Progress:   StepProgress{Step: 5, TotalSteps: 5, Ratio: 1.0},
	})
	return runID, report, nil
}

func factViewFromPayload(videoID string, facts map[string]any) repos.ResearchVideoFactView {
	view := repos.ResearchVideoFactView{VideoID: videoID, Facts: facts}
	switch v := facts["is_owner_story"].(type) {
	case bool:
		b := v
		view.IsOwnerStory = &b
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "owner_story", "owner", "y":
			b := true
			view.IsOwnerStory = &b
		case "false", "no", "0", "n":
			b := false
			view.IsOwnerStory = &b
		}
	}
	if f, ok := facts["confidence"].(float64); ok {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		view.Confidence = f
	}
	if bm, ok := facts["business_model"].(string); ok {
		view.BusinessModel = strings.TrimSpace(bm)
	}
	return view
}
