package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
	"github.com/hubrts/youtube-command-deck/internal/repos"
	"github.com/hubrts/youtube-command-deck/internal/types"
	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// QACacheLimit bounds the per-record answer cache.
const QACacheLimit = 40

var qaStopwords = map[string]bool{
	"what": true, "with": true, "this": true, "that": true, "about": true,
	"video": true, "відео": true, "they": true, "them": true, "their": true,
	"theirs": true, "doing": true, "does": true, "did": true, "done": true,
	"are": true, "were": true, "have": true, "has": true, "had": true,
	"there": true,
}

type QARequest struct {
	VideoID        string
	Question       string
	TranscriptPath string
	TitleHint      string
	// OnDelta streams local-backend generation progress.
	OnDelta func(chars int, tokens int, done bool)
}

type QAResult struct {
	Answer        string
	Backend       string
	BackendDetail string
}

type queryPlan struct {
	Keywords         []string
	Focus            string
	ExpandedQuestion string
}

// QAService answers questions strictly from the saved transcript: hybrid
// retrieval over chunks, a JSON answer contract, and mandatory evidence
// verification before any "answered" response is accepted.
type QAService interface {
	AnswerQuestion(ctx context.Context, req QARequest) (*QAResult, error)
}

type qaService struct {
	log        *logger.Logger
	llm        LLMService
	embeddings EmbeddingService
	chunks     repos.TranscriptChunkRepo
	transcript TranscriptService
}

func NewQAService(
	log *logger.Logger,
	llm LLMService,
	embeddings EmbeddingService,
	chunks repos.TranscriptChunkRepo,
	transcript TranscriptService,
) QAService {
	return &qaService{
		log:        log.With("service", "QAService"),
		llm:        llm,
		embeddings: embeddings,
		chunks:     chunks,
		transcript: transcript,
	}
}

// ---- keyword and scoring helpers ----

var keywordRE = regexp.MustCompile(`[A-Za-zА-Яа-яІіЇїЄєЁё0-9]{3,}`)
var latinWordRE = regexp.MustCompile(`^[a-z0-9]{3,}$`)

var cyrSuffixes = []string{
	"ами", "ями", "ові", "ев", "ов", "ый", "ий", "ій", "ая", "ое", "ые",
	"их", "ых", "ом", "ем", "ам", "ям", "ах", "ях", "ів", "ей",
	"у", "ю", "а", "я", "и", "ы", "е", "о", "й",
}

func keywordVariants(w string) []string {
	seen := map[string]bool{w: true}
	out := []string{w}
	add := func(v string) {
		if len(v) >= 3 && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if latinWordRE.MatchString(w) {
		if strings.HasSuffix(w, "ies") && len(w) > 4 {
			add(w[:len(w)-3] + "y")
		}
		if strings.HasSuffix(w, "es") && len(w) > 4 {
			add(w[:len(w)-2])
		}
		if strings.HasSuffix(w, "s") && len(w) > 3 {
			add(w[:len(w)-1])
		}
		if strings.HasSuffix(w, "ing") && len(w) > 5 {
			add(w[:len(w)-3])
		}
		if strings.HasSuffix(w, "ed") && len(w) > 4 {
			add(w[:len(w)-2])
		}
	}
	if cyrLettersRE.MatchString(w) {
		for _, sfx := range cyrSuffixes {
			if strings.HasSuffix(w, sfx) && len([]rune(w))-len([]rune(sfx)) >= 3 {
				add(strings.TrimSuffix(w, sfx))
			}
		}
	}
	return out
}

// QuestionKeywords extracts normalized retrieval terms with light English
// and Cyrillic stem variants, minus stopwords.
func QuestionKeywords(question string) []string {
	words := keywordRE.FindAllString(question, -1)
	var out []string
	seen := map[string]bool{}
	for _, raw := range words {
		w := strings.ToLower(raw)
		if qaStopwords[w] {
			continue
		}
		for _, v := range keywordVariants(w) {
			if qaStopwords[v] || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// VerifyEvidenceLines keeps evidence that matches a transcript body line in
// either direction after normalization, up to limit lines.
func VerifyEvidenceLines(evidence []string, transcript string, limit int) []string {
	bodyLines := TranscriptBodyLines(transcript)
	if len(bodyLines) == 0 {
		return nil
	}
	normLines := make([]string, len(bodyLines))
	origLines := make([]string, len(bodyLines))
	for i, ln := range bodyLines {
		stripped := StripTimestampTag(ln)
		normLines[i] = utils.NormalizeForMatch(stripped)
		origLines[i] = stripped
	}

	var matched []string
	seen := map[string]bool{}
	for _, raw := range evidence {
		ev := utils.NormalizeForMatch(StripTimestampTag(raw))
		if len(ev) < 8 {
			continue
		}
		for i, lnNorm := range normLines {
			if strings.Contains(lnNorm, ev) || strings.Contains(ev, lnNorm) {
				key := utils.NormalizeForMatch(origLines[i])
				if seen[key] {
					break
				}
				seen[key] = true
				matched = append(matched, origLines[i])
				break
			}
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched
}

var sentenceRE = regexp.MustCompile(`(.{40,220}?[.!?])(?:\s|$)`)

// CompactAnswer squeezes an answer to one short sentence (~220 chars).
func CompactAnswer(text string) string {
	t := utils.CollapseWhitespace(text)
	if t == "" {
		return ""
	}
	const maxChars = 220
	if len(t) <= maxChars {
		return t
	}
	if m := sentenceRE.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(t[:maxChars-3]) + "..."
}

func lexicalChunkScores(chunks []types.Chunk, question string, plan queryPlan) map[int]float64 {
	qWords := QuestionKeywords(question)
	plannerWords := QuestionKeywords(strings.Join(plan.Keywords, " "))
	var allWords []string
	seen := map[string]bool{}
	for _, w := range append(qWords, plannerWords...) {
		if !seen[w] {
			seen[w] = true
			allWords = append(allWords, w)
		}
	}
	qLow := strings.ToLower(strings.TrimSpace(question))

	scores := map[int]float64{}
	for _, chunk := range chunks {
		low := strings.ToLower(chunk.Text)
		if low == "" {
			continue
		}
		score := 0.0
		for _, word := range allWords {
			if strings.Contains(low, word) {
				count := float64(strings.Count(low, word))
				bonus := 0.2 * count
				if bonus > 1.5 {
					bonus = 1.5
				}
				score += 1.0 + bonus
			}
		}
		if qLow != "" && strings.Contains(low, qLow) {
			score += 3.0
		}
		scores[chunk.Idx] = score
	}
	return scores
}

// chunkFocusBoost biases scores toward the planner's focus region.
func chunkFocusBoost(chunkIdx, total int, focus string) float64 {
	if total <= 1 {
		return 0
	}
	pos := float64(chunkIdx) / float64(total-1)
	switch focus {
	case "ending":
		return 0.25 * pos
	case "beginning":
		return 0.25 * (1.0 - pos)
	case "middle":
		return 0.20 * (1.0 - abs(pos-0.5)*2.0)
	}
	return 0
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// semanticChunkScores embeds the query, rebuilds chunk embeddings when the
// stored (hash, count) disagrees with the live chunk set, and maps cosine
// similarity into [0,1]. Any failure degrades to lexical-only retrieval.
func (s *qaService) semanticChunkScores(ctx context.Context, videoID, queryText string, chunks []types.Chunk) map[int]float64 {
	vid := strings.TrimSpace(videoID)
	if vid == "" || len(chunks) == 0 {
		return nil
	}
	contentHash := ChunkContentHash(chunks)
	chunkTexts := make([]string, len(chunks))
	for i, ch := range chunks {
		chunkTexts[i] = ch.Text
	}

	modelName, queryVecs, err := s.embeddings.EmbedTexts(ctx, []string{queryText}, true)
	if err != nil || len(queryVecs) == 0 {
		return nil
	}
	queryVec := queryVecs[0]

	storedHash, storedCount, err := s.chunks.GetEmbeddingMeta(ctx, vid, modelName)
	if err != nil {
		storedHash, storedCount = "", 0
	}

	// Keep the chunk JSON current for reuse and debugging.
	if existing, err := s.chunks.LoadChunks(ctx, vid); err == nil && len(existing) != len(chunks) {
		_ = s.chunks.SaveChunks(ctx, vid, contentHash, chunks)
	}

	if storedHash != contentHash || storedCount < len(chunks) {
		modelForChunks, chunkVectors, err := s.embeddings.EmbedTexts(ctx, chunkTexts, false)
		if err != nil || modelForChunks != modelName || len(chunkVectors) != len(chunks) {
			return nil
		}
		vectors := make([]repos.ChunkVector, len(chunkVectors))
		for i, vec := range chunkVectors {
			vectors[i] = repos.ChunkVector{Idx: i, Vector: vec}
		}
		if err := s.chunks.SaveChunkEmbeddings(ctx, vid, modelName, contentHash, vectors); err != nil {
			return nil
		}
	}

	limit := len(chunks)
	if limit < 12 {
		limit = 12
	}
	if limit > 40 {
		limit = 40
	}
	hits, err := s.chunks.SearchSemantic(ctx, vid, modelName, queryVec, limit)
	if err != nil {
		return nil
	}
	scores := map[int]float64{}
	for _, hit := range hits {
		scores[hit.Idx] = clip01((hit.Similarity + 1.0) / 2.0)
	}
	return scores
}

func (s *qaService) planQuery(ctx context.Context, question, targetLang string) queryPlan {
	empty := queryPlan{Focus: "any"}
	if !utils.GetEnvAsBool("VIDEO_QA_QUERY_PLANNER", false, nil) {
		return empty
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_QA_PLANNER_TIMEOUT_SEC", 45, nil)) * time.Second
	system := "You extract retrieval intent from a user question about a transcript. " +
		"Return only JSON with keys: focus, keywords, expanded_question. " +
		"focus must be one of: beginning, middle, ending, any. " +
		"keywords must be a short list (<=8) of retrieval terms.\n" +
		aiLanguageDirective(targetLang)

	payload, _, err := s.llm.ChatJSONWithChain(ctx, s.llm.QAChain(), system, "Question: "+question, 0, timeout)
	if err != nil {
		return empty
	}
	focus := strings.ToLower(strings.TrimSpace(stringField(payload, "focus")))
	switch focus {
	case "beginning", "middle", "ending", "any":
	default:
		focus = "any"
	}
	var keywords []string
	if raw, ok := payload["keywords"].([]any); ok {
		for _, item := range raw {
			if v := strings.TrimSpace(fmt.Sprint(item)); v != "" && v != "<nil>" {
				keywords = append(keywords, v)
			}
			if len(keywords) >= 8 {
				break
			}
		}
	}
	return queryPlan{
		Keywords:         keywords,
		Focus:            focus,
		ExpandedQuestion: utils.TruncateString(strings.TrimSpace(stringField(payload, "expanded_question")), 300),
	}
}

// rerankChunkIDs asks an LLM to reorder the top candidates. Returned ids
// outside the provided set are ignored; missing ids keep their old order.
func (s *qaService) rerankChunkIDs(ctx context.Context, question string, chunks []types.Chunk, candidateIDs []int, targetLang string) []int {
	if len(candidateIDs) == 0 || !utils.GetEnvAsBool("VIDEO_QA_LLM_RERANK", false, nil) {
		return candidateIDs
	}
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_QA_RERANK_TIMEOUT_SEC", 45, nil)) * time.Second

	maxItems := len(candidateIDs)
	if maxItems > 10 {
		maxItems = 10
	}
	ids := candidateIDs[:maxItems]
	idSet := map[int]bool{}
	byIdx := map[int]types.Chunk{}
	for _, ch := range chunks {
		byIdx[ch.Idx] = ch
	}
	var snippets []string
	for _, idx := range ids {
		idSet[idx] = true
		chunk := byIdx[idx]
		body := utils.CollapseWhitespace(chunk.Text)
		snippets = append(snippets, fmt.Sprintf("%d: [%s] %s", idx, utils.FormatTimestamp(chunk.StartTs), utils.TruncateString(body, 260)))
	}

	system := "Rank transcript snippets by how directly they answer the user question. " +
		`Return JSON only: {"ordered_ids":[...]} using only provided IDs.` + "\n" +
		aiLanguageDirective(targetLang)
	user := fmt.Sprintf("Question: %s\n\nSnippets:\n%s", question, strings.Join(snippets, "\n"))

	payload, _, err := s.llm.ChatJSONWithChain(ctx, s.llm.QAChain(), system, user, 0, timeout)
	if err != nil {
		return candidateIDs
	}
	raw, ok := payload["ordered_ids"].([]any)
	if !ok {
		return candidateIDs
	}
	var valid []int
	for _, item := range raw {
		if f, ok := item.(float64); ok && idSet[int(f)] {
			valid = append(valid, int(f))
		}
	}
	if len(valid) == 0 {
		return candidateIDs
	}
	seen := map[int]bool{}
	for _, id := range valid {
		seen[id] = true
	}
	out := append([]int{}, valid...)
	for _, id := range candidateIDs {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// buildQAContext runs the retrieval pipeline and returns the candidate
// text, a truncation flag, priority evidence hints, and the planner output.
func (s *qaService) buildQAContext(ctx context.Context, question, transcript, videoID, targetLang string, maxChars int) (string, bool, []string, queryPlan) {
	perChunk, overlap := ChunkSettings()
	chunks := BuildTranscriptChunks(transcript, perChunk, overlap)
	if len(chunks) == 0 {
		lines := TranscriptBodyLines(transcript)
		if len(lines) > 120 {
			lines = lines[:120]
		}
		txt := strings.TrimSpace(strings.Join(lines, "\n"))
		hints := lines
		if len(hints) > 4 {
			hints = hints[:4]
		}
		return txt, len(txt) < len(transcript), hints, queryPlan{Focus: "any"}
	}

	plan := s.planQuery(ctx, question, targetLang)
	queryText := question
	if plan.ExpandedQuestion != "" {
		queryText = question + "\n" + plan.ExpandedQuestion
	}

	lexical := lexicalChunkScores(chunks, question, plan)
	semantic := s.semanticChunkScores(ctx, videoID, queryText, chunks)

	maxLex := 0.0
	for _, v := range lexical {
		if v > maxLex {
			maxLex = v
		}
	}
	hasSemantic := len(semantic) > 0

	type scoredChunk struct {
		score float64
		idx   int
	}
	combined := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		lexNorm := 0.0
		if maxLex > 0 {
			lexNorm = lexical[chunk.Idx] / maxLex
		}
		base := lexNorm
		if hasSemantic {
			base = 0.45*lexNorm + 0.55*semantic[chunk.Idx]
		}
		combined = append(combined, scoredChunk{
			score: base + chunkFocusBoost(chunk.Idx, len(chunks), plan.Focus),
			idx:   chunk.Idx,
		})
	}
	sort.SliceStable(combined, func(i, j int) bool { return combined[i].score > combined[j].score })

	topChunkCount := utils.GetEnvAsInt("VIDEO_QA_TOP_CHUNKS", 6, nil)
	if topChunkCount < 4 {
		topChunkCount = 4
	}
	candidateCount := topChunkCount
	if candidateCount < 8 {
		candidateCount = 8
	}
	var candidateIDs []int
	for i := 0; i < len(combined) && i < candidateCount; i++ {
		candidateIDs = append(candidateIDs, combined[i].idx)
	}
	if len(candidateIDs) == 0 {
		candidateIDs = []int{chunks[len(chunks)-1].Idx}
	}

	candidateIDs = s.rerankChunkIDs(ctx, question, chunks, candidateIDs, targetLang)
	chosenPrimary := candidateIDs
	if len(chosenPrimary) > topChunkCount {
		chosenPrimary = chosenPrimary[:topChunkCount]
	}

	// Each chosen chunk pulls in its ±1 neighbors for context recovery.
	picked := map[int]bool{}
	for _, idx := range chosenPrimary {
		picked[idx] = true
		if idx-1 >= 0 {
			picked[idx-1] = true
		}
		if idx+1 < len(chunks) {
			picked[idx+1] = true
		}
	}
	pickedIDs := make([]int, 0, len(picked))
	for idx := range picked {
		pickedIDs = append(pickedIDs, idx)
	}
	sort.Ints(pickedIDs)

	byIdx := map[int]types.Chunk{}
	for _, ch := range chunks {
		byIdx[ch.Idx] = ch
	}
	var out []string
	used := 0
	var evidenceHints []string
	for _, idx := range pickedIDs {
		block := strings.TrimSpace(byIdx[idx].Text)
		if block == "" {
			continue
		}
		if used+len(block)+2 > maxChars && len(out) > 0 {
			break
		}
		out = append(out, block)
		used += len(block) + 2
		if len(evidenceHints) < 6 {
			blockLines := strings.Split(block, "\n")
			if len(blockLines) > 2 {
				blockLines = blockLines[:2]
			}
			for _, line := range blockLines {
				clean := strings.TrimSpace(line)
				if clean != "" && !containsString(evidenceHints, clean) {
					evidenceHints = append(evidenceHints, clean)
				}
				if len(evidenceHints) >= 6 {
					break
				}
			}
		}
	}

	contextTxt := strings.TrimSpace(strings.Join(out, "\n\n"))
	if contextTxt == "" {
		contextTxt = utils.TruncateString(transcript, maxChars)
	}
	return contextTxt, len(contextTxt) < len(transcript), evidenceHints, plan
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func (s *qaService) ensureOutputLanguage(ctx context.Context, text, targetLang string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return ""
	}
	if _, ok := langLabels[targetLang]; !ok {
		return t
	}
	if DetectTextLanguage(t) == targetLang {
		return t
	}
	return s.llm.Translate(ctx, t, targetLang)
}

// FallbackAnswerFromTranscript scores body lines by keyword overlap and
// returns the best one, compacted. Used when every backend fails.
func FallbackAnswerFromTranscript(question, transcript string) string {
	bodyLines := TranscriptBodyLines(transcript)
	qWords := QuestionKeywords(question)

	if len(qWords) == 0 {
		for _, ln := range bodyLines {
			clean := StripTimestampTag(ln)
			if len(clean) >= 20 {
				return CompactAnswer(clean)
			}
		}
		if len(bodyLines) > 0 {
			return CompactAnswer(bodyLines[0])
		}
		return ""
	}

	type scoredLine struct {
		score int
		line  string
	}
	var scored []scoredLine
	for _, line := range bodyLines {
		ln := strings.TrimSpace(line)
		if ln == "" {
			continue
		}
		low := strings.ToLower(ln)
		score := 0
		for _, w := range qWords {
			if strings.Contains(low, w) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, scoredLine{score, ln})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) == 0 {
		return ""
	}
	first := StripTimestampTag(scored[0].line)
	if first == "" {
		return ""
	}
	return CompactAnswer(first)
}

// AnswerQuestion runs the grounded Q&A pipeline of the retrieval engine.
// Cache probing and persistence live in the caller (the notes workflow);
// this method is pure transcript-in, answer-out.
func (s *qaService) AnswerQuestion(ctx context.Context, req QARequest) (*QAResult, error) {
	transcript, err := s.transcript.ReadTranscript(req.TranscriptPath)
	if err != nil {
		return nil, err
	}
	targetLang, translateRequested := QATargetLanguage(req.Question)

	// Translation shortcut: an explicit "translate this" with inline source
	// text never touches retrieval.
	if translateRequested {
		if sourceText := ExtractTranslationSourceText(req.Question); sourceText != "" {
			translated := strings.TrimSpace(s.llm.Translate(ctx, sourceText, targetLang))
			if translated == "" {
				translated = sourceText
			}
			return &QAResult{Answer: translated, Backend: "translation", BackendDetail: "translation"}, nil
		}
	}

	maxChars := utils.GetEnvAsInt("VIDEO_QA_MAX_CHARS", 24000, nil)
	timeout := time.Duration(utils.GetEnvAsInt("VIDEO_QA_TIMEOUT_SEC", 180, nil)) * time.Second
	qaRetries := utils.GetEnvAsInt("VIDEO_QA_RETRIES", 1, nil)
	if qaRetries < 1 {
		qaRetries = 1
	}
	allowLocalFallback := utils.GetEnvAsBool("VIDEO_QA_ALLOW_LOCAL_FALLBACK", true, nil)

	resolvedVideoID := utils.SafeVideoID(req.VideoID)
	contextTxt, truncated, evidenceHints, plan := s.buildQAContext(ctx, req.Question, transcript, resolvedVideoID, targetLang, maxChars)

	systemPrompt := utils.GetEnv("VIDEO_QA_PROMPT",
		"You are a strict transcript-grounded assistant. "+
			"Use ONLY the provided transcript content. "+
			"Do not use outside knowledge. "+
			"If evidence is missing or ambiguous, return insufficient. "+
			"Return ONLY JSON with keys: status, answer, evidence. "+
			"status must be 'answered' or 'insufficient'. "+
			"evidence must be a list of short verbatim lines from transcript content. "+
			"Make answer short (one sentence, <= 25 words).", nil)
	systemPrompt = systemPrompt + "\n" + aiLanguageDirective(targetLang) + "\n" +
		"If the user requests translation, provide the translated answer in the requested language."

	title := req.TitleHint
	if title == "" {
		title = "Video"
	}
	truncatedNote := ""
	if truncated {
		truncatedNote = "(filtered/truncated)"
	}
	hintCount := len(evidenceHints)
	if hintCount > 4 {
		hintCount = 4
	}
	userPrompt := fmt.Sprintf(
		"Title: %s\nRetrieval focus: %s\nPlanner keywords: %s\nPriority evidence lines: %s\n\n"+
			"Transcript file content %s:\n%s\n\nQuestion: %s\n\n"+
			"Return JSON only. Example:\n{\"status\":\"answered\",\"answer\":\"...\",\"evidence\":[\"line 1\",\"line 2\"]}",
		title, plan.Focus, strings.Join(plan.Keywords, ", "),
		strings.Join(evidenceHints[:hintCount], " | "),
		truncatedNote, contextTxt, req.Question,
	)

	lastAIError := ""
	sawInsufficient := false

	for _, backend := range s.llm.QAChain() {
		for attempt := 0; attempt < qaRetries; attempt++ {
			var onDelta func(int, int, bool)
			if backend.Provider == ProviderLocal {
				onDelta = req.OnDelta
			}
			text, chatErr := s.llm.Chat(ctx, ChatRequest{
				Provider:    backend.Provider,
				Model:       backend.Model,
				System:      systemPrompt,
				User:        userPrompt,
				Temperature: 0.2,
				Timeout:     timeout,
				FormatJSON:  true,
				OnDelta:     onDelta,
			})
			if chatErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastAIError = chatErr.Error()
				if lastAIError == "" {
					lastAIError = backend.Provider + "_runtime_error"
				}
				if attempt+1 < qaRetries && isTransientChatError(chatErr) {
					sleepBackoff(ctx, time.Duration(attempt+1)*1500*time.Millisecond)
					continue
				}
				break
			}

			payload := TryParseJSONObject(text)
			if len(payload) == 0 {
				lastAIError = backend.Provider + "_invalid_json"
				if attempt+1 < qaRetries {
					sleepBackoff(ctx, time.Duration(attempt+1)*time.Second)
					continue
				}
				break
			}

			status := strings.ToLower(strings.TrimSpace(stringField(payload, "status")))
			answer := strings.TrimSpace(stringField(payload, "answer"))
			var evidenceLines []string
			if raw, ok := payload["evidence"].([]any); ok {
				for _, item := range raw {
					if ln := strings.TrimSpace(fmt.Sprint(item)); ln != "" && ln != "<nil>" {
						evidenceLines = append(evidenceLines, ln)
					}
				}
			}
			if len(evidenceLines) == 0 {
				evidenceLines = append(evidenceLines, evidenceHints...)
			}
			verified := VerifyEvidenceLines(evidenceLines, transcript, 3)

			if status == "answered" && answer != "" && len(verified) > 0 {
				finalAnswer := CompactAnswer(answer)
				if finalAnswer != "" {
					finalAnswer = s.ensureOutputLanguage(ctx, finalAnswer, targetLang)
					return &QAResult{
						Answer:        finalAnswer,
						Backend:       backend.Provider,
						BackendDetail: ProviderCaption(backend.Provider, backend.Model),
					}, nil
				}
				break
			}
			sawInsufficient = true
			lastAIError = backend.Provider + "_insufficient"
			if attempt+1 < qaRetries {
				sleepBackoff(ctx, time.Duration(attempt+1)*800*time.Millisecond)
				continue
			}
			break
		}
	}

	if !allowLocalFallback {
		reason := lastAIError
		if reason == "" {
			if sawInsufficient {
				reason = "insufficient"
			} else {
				reason = "ai_unavailable"
			}
		}
		return &QAResult{
			Answer:        qaUnavailableText(targetLang, reason),
			Backend:       "unavailable",
			BackendDetail: reason,
		}, nil
	}

	source := contextTxt
	if source == "" {
		source = transcript
	}
	if fallback := FallbackAnswerFromTranscript(req.Question, source); fallback != "" {
		fallback = s.ensureOutputLanguage(ctx, fallback, targetLang)
		return &QAResult{
			Answer:        fallback,
			Backend:       "fallback",
			BackendDetail: "🧩 Backend: local transcript fallback",
		}, nil
	}
	return &QAResult{
		Answer:        qaUnreliableText(targetLang),
		Backend:       "unreliable",
		BackendDetail: "unreliable",
	}, nil
}

func isTransientChatError(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "504", "timeout", "deadline", "connection", "network", "temporar"} {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}

func sleepBackoff(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// ---- qa_cache operations on the archive record ----

func QuestionCacheKey(question string) string {
	return utils.NormalizeForMatch(question)
}

// QACachedAnswer returns the latest cache row matching both the question
// key and the transcript stamp. Stamp equality is exact: rewriting the
// transcript file invalidates every prior answer.
func QACachedAnswer(rec types.ArchiveRecord, question, transcriptStamp string) map[string]any {
	if rec == nil {
		return nil
	}
	qKey := QuestionCacheKey(question)
	rows := rec.GetList(types.RecQACache)
	for i := len(rows) - 1; i >= 0; i-- {
		row, ok := rows[i].(map[string]any)
		if !ok {
			continue
		}
		if fmt.Sprint(row["question_key"]) != qKey {
			continue
		}
		if fmt.Sprint(row["transcript_stamp"]) != transcriptStamp {
			continue
		}
		if answer, _ := row["answer"].(string); strings.TrimSpace(answer) != "" {
			out := make(map[string]any, len(row))
			for k, v := range row {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

// SaveQACacheEntry appends the answer, replacing any row with the same
// (question_key, transcript_stamp), and trims to the cache limit.
func SaveQACacheEntry(rec types.ArchiveRecord, question, transcriptStamp, answer, backend, backendDetail string) {
	if rec == nil {
		return
	}
	entry := map[string]any{
		"question_key":       QuestionCacheKey(question),
		"question_text":      strings.TrimSpace(question),
		"transcript_stamp":   transcriptStamp,
		"answer":             strings.TrimSpace(answer),
		"llm_backend":        strings.TrimSpace(backend),
		"llm_backend_detail": strings.TrimSpace(backendDetail),
		"saved_at":           utils.UTCNowISO(),
	}
	rows := rec.GetList(types.RecQACache)
	filtered := make([]any, 0, len(rows)+1)
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if fmt.Sprint(row["question_key"]) == entry["question_key"] &&
			fmt.Sprint(row["transcript_stamp"]) == entry["transcript_stamp"] {
			continue
		}
		filtered = append(filtered, row)
	}
	filtered = append(filtered, entry)
	if len(filtered) > QACacheLimit {
		filtered = filtered[len(filtered)-QACacheLimit:]
	}
	rec[types.RecQACache] = filtered
}
