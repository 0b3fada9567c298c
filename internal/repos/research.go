package repos

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// PublicRunSummary is the list-view projection of a public research run.
type PublicRunSummary struct {
	RunID         string                `json:"run_id"`
	ChatID        int64                 `json:"chat_id"`
	GoalText      string                `json:"goal_text"`
	Status        string                `json:"status"`
	ReportExcerpt string                `json:"report_excerpt"`
	Summary       map[string]any        `json:"summary"`
	Intent        map[string]any        `json:"intent"`
	Topics        []types.TopicTag      `json:"topics"`
	CreatedAt     string                `json:"created_at"`
	UpdatedAt     string                `json:"updated_at"`
}

// PublicRunDetail joins the run with its videos and topics.
type PublicRunDetail struct {
	RunID      string                `json:"run_id"`
	ChatID     int64                 `json:"chat_id"`
	GoalText   string                `json:"goal_text"`
	Status     string                `json:"status"`
	ReportText string                `json:"report_text"`
	Summary    map[string]any        `json:"summary"`
	Intent     map[string]any        `json:"intent"`
	Topics     []types.TopicTag      `json:"topics"`
	Videos     []types.ResearchVideo `json:"videos"`
	CreatedAt  string                `json:"created_at"`
	UpdatedAt  string                `json:"updated_at"`
}

type ResearchVideoFactView struct {
	VideoID       string         `json:"video_id"`
	IsOwnerStory  *bool          `json:"is_owner_story"`
	Confidence    float64        `json:"confidence"`
	BusinessModel string         `json:"business_model"`
	Facts         map[string]any `json:"facts"`
}

type ResearchRepo interface {
	CreateRun(ctx context.Context, chatID int64, goalText string, intent types.ResearchIntent, isPublic bool) (string, error)
	FinalizeRun(ctx context.Context, runID, status, reportText string, summary map[string]any) error

	SaveVideos(ctx context.Context, runID string, videos []types.ResearchVideo) error
	SaveVideoTranscript(ctx context.Context, runID, videoID, transcriptPath, transcriptSource string, transcriptChars int) error
	SaveVideoFact(ctx context.Context, runID, videoID string, facts map[string]any) error
	SaveTopics(ctx context.Context, runID string, topics []types.TopicTag) error

	LoadVideos(ctx context.Context, runID string) ([]types.ResearchVideo, error)
	LoadVideoFacts(ctx context.Context, runID string) ([]ResearchVideoFactView, error)

	LoadPublicRuns(ctx context.Context, limit int) ([]PublicRunSummary, error)
	GetPublicRun(ctx context.Context, runID string) (*PublicRunDetail, error)
	LoadRelatedPublicTopics(ctx context.Context, baseTags []string, excludeRunID string, limit int) ([]types.RelatedTopic, error)
}

type researchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewResearchRepo(db *gorm.DB, baseLog *logger.Logger) ResearchRepo {
	return &researchRepo{
		db:  db,
		log: baseLog.With("repo", "ResearchRepo"),
	}
}

func (r *researchRepo) CreateRun(ctx context.Context, chatID int64, goalText string, intent types.ResearchIntent, isPublic bool) (string, error) {
	runID := strings.ReplaceAll(uuid.New().String(), "-", "")
	intentBlob, err := json.Marshal(intent)
	if err != nil {
		return "", err
	}
	row := types.ResearchRun{
		RunID:       runID,
		ChatID:      chatID,
		GoalText:    strings.TrimSpace(goalText),
		IsPublic:    isPublic,
		IntentJSON:  datatypes.JSON(intentBlob),
		Status:      types.RunStatusRunning,
		ReportText:  "",
		SummaryJSON: datatypes.JSON([]byte(`{}`)),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return runID, nil
}

func (r *researchRepo) FinalizeRun(ctx context.Context, runID, status, reportText string, summary map[string]any) error {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil
	}
	if strings.TrimSpace(status) == "" {
		status = types.RunStatusCompleted
	}
	if summary == nil {
		summary = map[string]any{}
	}
	summaryBlob, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&types.ResearchRun{}).
		Where("run_id = ?", rid).
		Updates(map[string]interface{}{
			"status":       strings.TrimSpace(status),
			"report_text":  strings.TrimSpace(reportText),
			"summary_json": datatypes.JSON(summaryBlob),
			"updated_at":   time.Now(),
		}).Error
}

func (r *researchRepo) SaveVideos(ctx context.Context, runID string, videos []types.ResearchVideo) error {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil
	}
	now := time.Now()
	rows := make([]types.ResearchVideo, 0, len(videos))
	for _, v := range videos {
		if strings.TrimSpace(v.VideoID) == "" {
			continue
		}
		v.RunID = rid
		v.TranscriptPath = ""
		v.TranscriptSource = ""
		v.TranscriptChars = 0
		if len(v.MetaJSON) == 0 {
			v.MetaJSON = datatypes.JSON([]byte(`{}`))
		}
		v.CreatedAt = now
		v.UpdatedAt = now
		rows = append(rows, v)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", rid).Delete(&types.ResearchVideo{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *researchRepo) SaveVideoTranscript(ctx context.Context, runID, videoID, transcriptPath, transcriptSource string, transcriptChars int) error {
	rid := strings.TrimSpace(runID)
	vid := strings.TrimSpace(videoID)
	if rid == "" || vid == "" {
		return nil
	}
	if transcriptChars < 0 {
		transcriptChars = 0
	}
	return r.db.WithContext(ctx).Model(&types.ResearchVideo{}).
		Where("run_id = ? AND video_id = ?", rid, vid).
		Updates(map[string]interface{}{
			"transcript_path":   strings.TrimSpace(transcriptPath),
			"transcript_source": strings.TrimSpace(transcriptSource),
			"transcript_chars":  transcriptChars,
			"updated_at":        time.Now(),
		}).Error
}

func (r *researchRepo) SaveVideoFact(ctx context.Context, runID, videoID string, facts map[string]any) error {
	rid := strings.TrimSpace(runID)
	vid := strings.TrimSpace(videoID)
	if rid == "" || vid == "" {
		return nil
	}
	if facts == nil {
		facts = map[string]any{}
	}
	isOwner := coerceOwnerStory(facts["is_owner_story"])
	confidence := clamp01(coerceFloat(facts["confidence"]))
	businessModel := utils.TruncateString(strings.TrimSpace(coerceString(facts["business_model"])), 300)

	blob, err := json.Marshal(facts)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec(`
		INSERT INTO research_video_facts
		(run_id, video_id, is_owner_story, confidence, business_model, facts_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?::jsonb, NOW(), NOW())
		ON CONFLICT (run_id, video_id) DO UPDATE
		SET is_owner_story = EXCLUDED.is_owner_story,
		    confidence = EXCLUDED.confidence,
		    business_model = EXCLUDED.business_model,
		    facts_json = EXCLUDED.facts_json,
		    updated_at = NOW()
	`, rid, vid, isOwner, confidence, businessModel, string(blob)).Error
}

func (r *researchRepo) SaveTopics(ctx context.Context, runID string, topics []types.TopicTag) error {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil
	}
	normalized := NormalizeTopicTags(topics)
	now := time.Now()
	rows := make([]types.ResearchRunTopic, 0, len(normalized))
	for _, t := range normalized {
		rows = append(rows, types.ResearchRunTopic{
			RunID:     rid,
			TopicTag:  t.Tag,
			Weight:    t.Weight,
			CreatedAt: now,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", rid).Delete(&types.ResearchRunTopic{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *researchRepo) LoadVideos(ctx context.Context, runID string) ([]types.ResearchVideo, error) {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil, nil
	}
	var rows []types.ResearchVideo
	err := r.db.WithContext(ctx).
		Where("run_id = ?", rid).
		Order("rank ASC, popularity_score DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *researchRepo) LoadVideoFacts(ctx context.Context, runID string) ([]ResearchVideoFactView, error) {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil, nil
	}
	var rows []types.ResearchVideoFact
	err := r.db.WithContext(ctx).
		Where("run_id = ?", rid).
		Order("video_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ResearchVideoFactView, 0, len(rows))
	for _, row := range rows {
		facts := map[string]any{}
		if len(row.FactsJSON) > 0 {
			_ = json.Unmarshal(row.FactsJSON, &facts)
		}
		out = append(out, ResearchVideoFactView{
			VideoID:       row.VideoID,
			IsOwnerStory:  row.IsOwnerStory,
			Confidence:    row.Confidence,
			BusinessModel: row.BusinessModel,
			Facts:         facts,
		})
	}
	return out, nil
}

func (r *researchRepo) LoadPublicRuns(ctx context.Context, limit int) ([]PublicRunSummary, error) {
	lim := limit
	if lim < 1 {
		lim = 1
	}
	var runs []types.ResearchRun
	err := r.db.WithContext(ctx).
		Where("is_public = TRUE").
		Order("created_at DESC").
		Limit(lim).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}

	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.RunID)
	}
	topicsByRun := map[string][]types.TopicTag{}
	if len(runIDs) > 0 {
		var topicRows []types.ResearchRunTopic
		err = r.db.WithContext(ctx).
			Where("run_id IN ?", runIDs).
			Order("weight DESC, topic_tag ASC").
			Find(&topicRows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range topicRows {
			topicsByRun[row.RunID] = append(topicsByRun[row.RunID], types.TopicTag{Tag: row.TopicTag, Weight: row.Weight})
		}
	}

	out := make([]PublicRunSummary, 0, len(runs))
	for _, run := range runs {
		topics := topicsByRun[run.RunID]
		if len(topics) > 10 {
			topics = topics[:10]
		}
		out = append(out, PublicRunSummary{
			RunID:         run.RunID,
			ChatID:        run.ChatID,
			GoalText:      run.GoalText,
			Status:        run.Status,
			ReportExcerpt: utils.TruncateString(run.ReportText, 700),
			Summary:       decodeJSONMap(run.SummaryJSON),
			Intent:        decodeJSONMap(run.IntentJSON),
			Topics:        topics,
			CreatedAt:     run.CreatedAt.Format(time.RFC3339),
			UpdatedAt:     run.UpdatedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (r *researchRepo) GetPublicRun(ctx context.Context, runID string) (*PublicRunDetail, error) {
	rid := strings.TrimSpace(runID)
	if rid == "" {
		return nil, nil
	}
	var run types.ResearchRun
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND is_public = TRUE", rid).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.RunID == "" {
		return nil, nil
	}

	var topicRows []types.ResearchRunTopic
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", rid).
		Order("weight DESC, topic_tag ASC").
		Find(&topicRows).Error; err != nil {
		return nil, err
	}
	topics := make([]types.TopicTag, 0, len(topicRows))
	for _, row := range topicRows {
		topics = append(topics, types.TopicTag{Tag: row.TopicTag, Weight: row.Weight})
	}

	videos, err := r.LoadVideos(ctx, rid)
	if err != nil {
		return nil, err
	}

	return &PublicRunDetail{
		RunID:      run.RunID,
		ChatID:     run.ChatID,
		GoalText:   run.GoalText,
		Status:     run.Status,
		ReportText: run.ReportText,
		Summary:    decodeJSONMap(run.SummaryJSON),
		Intent:     decodeJSONMap(run.IntentJSON),
		Topics:     topics,
		Videos:     videos,
		CreatedAt:  run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  run.UpdatedAt.Format(time.RFC3339),
	}, nil
}

func (r *researchRepo) LoadRelatedPublicTopics(ctx context.Context, baseTags []string, excludeRunID string, limit int) ([]types.RelatedTopic, error) {
	tags := normalizeTagList(baseTags)
	if len(tags) == 0 {
		return nil, nil
	}
	lim := limit
	if lim < 1 {
		lim = 1
	}
	excl := strings.TrimSpace(excludeRunID)

	// Co-occurrence: tags seen alongside the base tags in other public runs,
	// ranked by how many runs share them, then by their strongest weight.
	query := `
		WITH matched_runs AS (
			SELECT DISTINCT rt.run_id
			FROM research_run_topics rt
			JOIN research_runs rr ON rr.run_id = rt.run_id
			WHERE rr.is_public = TRUE
			  AND (? = '' OR rr.run_id <> ?)
			  AND rt.topic_tag IN ?
		)
		SELECT rt.topic_tag AS tag,
		       COUNT(DISTINCT rt.run_id) AS run_count,
		       MAX(rt.weight) AS max_weight
		FROM research_run_topics rt
		JOIN matched_runs mr ON mr.run_id = rt.run_id
		WHERE rt.topic_tag NOT IN ?
		GROUP BY rt.topic_tag
		ORDER BY run_count DESC, max_weight DESC, rt.topic_tag ASC
		LIMIT ?
	`
	var out []types.RelatedTopic
	err := r.db.WithContext(ctx).Raw(query, excl, excl, tags, tags, lim).Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeTopicTags lowercases tags, collapses whitespace, caps at 120
// chars, clamps weights to [0,1], and dedups by first occurrence.
func NormalizeTopicTags(topics []types.TopicTag) []types.TopicTag {
	out := make([]types.TopicTag, 0, len(topics))
	seen := map[string]bool{}
	for _, t := range topics {
		tag := utils.CollapseWhitespace(strings.ToLower(t.Tag))
		if tag == "" {
			continue
		}
		if len(tag) > 120 {
			tag = strings.TrimSpace(tag[:120])
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, types.TopicTag{Tag: tag, Weight: clamp01(t.Weight)})
	}
	return out
}

func normalizeTagList(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, raw := range tags {
		tag := utils.CollapseWhitespace(strings.ToLower(raw))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func decodeJSONMap(blob datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(blob) > 0 {
		_ = json.Unmarshal(blob, &out)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func coerceFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}

func coerceString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// coerceOwnerStory accepts the loose owner-story labels models return:
// booleans, 0/1 numbers, and a small yes/no vocabulary. Unknown stays nil.
func coerceOwnerStory(v any) *bool {
	switch t := v.(type) {
	case bool:
		b := t
		return &b
	case float64:
		b := t != 0
		return &b
	case int:
		b := t != 0
		return &b
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "owner_story", "owner", "y":
			b := true
			return &b
		case "false", "no", "0", "n":
			b := false
			return &b
		}
	}
	return nil
}
