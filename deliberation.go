package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DeliberationStatus is the state machine's current stage
type DeliberationStatus string

const (
	StatusPending   DeliberationStatus = "pending"
	StatusStage1    DeliberationStatus = "stage1"
	StatusStage2    DeliberationStatus = "stage2"
	StatusStage3    DeliberationStatus = "stage3"
	StatusCompleted DeliberationStatus = "completed"
	StatusFailed    DeliberationStatus = "error"
)

// Deliberation drives one council run through
// pending -> stage1 -> stage2 -> stage3 -> completed, emitting an event
// on every transition. Transitions are strictly sequential; a fatal
// failure in any stage moves straight to error and stops.
type Deliberation struct {
	req  DeliberationRequest
	gw   *Gateway
	emit func(Event)

	mu     sync.RWMutex
	status DeliberationStatus
}

// NewDeliberation builds a state machine for one request. emit receives
// every event the run produces, in order, from the run's own goroutine.
func NewDeliberation(req DeliberationRequest, gw *Gateway, emit func(Event)) *Deliberation {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Deliberation{
		req:    req,
		gw:     gw,
		emit:   emit,
		status: StatusPending,
	}
}

// Status returns the current stage
func (d *Deliberation) Status() DeliberationStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Deliberation) setStatus(s DeliberationStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// fail records a fatal failure and emits the terminal error event
func (d *Deliberation) fail(err error) error {
	d.setStatus(StatusFailed)
	d.emit(Event{Type: EventError, Message: err.Error()})
	return err
}

// Run executes the full three-stage deliberation. It returns the
// assembled result on success; on fatal failure the error event has
// already been emitted.
func (d *Deliberation) Run(ctx context.Context) (*DeliberationResult, error) {
	log := logrus.WithField("conversation", d.req.ConversationID)

	// Title generation runs alongside the stages; its failure never
	// affects the deliberation
	var titleChan chan string
	if d.req.GenerateTitle {
		titleChan = make(chan string, 1)
		go func() {
			defer close(titleChan)
			title, err := GenerateTitle(ctx, d.gw, d.req.Query)
			if err != nil {
				log.WithError(err).Warn("Title generation failed")
				return
			}
			titleChan <- title
		}()
	}

	// Stage 1: first opinions
	d.setStatus(StatusStage1)
	d.emit(Event{Type: EventStage1Start})
	stage1 := d.runStage1(ctx)
	successes := 0
	for _, r := range stage1 {
		if r.OK {
			successes++
		}
	}
	if successes == 0 {
		return nil, d.fail(fmt.Errorf("all %d council personalities failed to respond", len(stage1)))
	}
	d.emit(Event{Type: EventStage1Complete, Data: stage1})

	// Stage 2: anonymized peer review among the survivors
	d.setStatus(StatusStage2)
	d.emit(Event{Type: EventStage2Start})
	labels := AssignLabels(stage1)
	stage2, err := d.runStage2(ctx, stage1, labels)
	if err != nil {
		return nil, d.fail(err)
	}
	aggregate := AggregateRankings(stage2, labels, d.req.Personalities)
	metadata := &DeliberationMetadata{
		LabelToPersonality: labels,
		AggregateRankings:  aggregate,
	}
	d.emit(Event{Type: EventStage2Complete, Data: stage2, Metadata: metadata})

	// Stage 3: chairman synthesis
	d.setStatus(StatusStage3)
	d.emit(Event{Type: EventStage3Start})
	stage3, contributions, err := Synthesize(ctx, d.gw, d.req, stage1, stage2, labels, aggregate)
	if err != nil {
		return nil, d.fail(err)
	}
	d.emit(Event{Type: EventStage3Complete, Data: stage3})

	if titleChan != nil {
		if title, ok := <-titleChan; ok && title != "" {
			d.emit(Event{Type: EventTitleComplete, Data: map[string]string{"title": title}})
		}
	}

	d.setStatus(StatusCompleted)
	return &DeliberationResult{
		Stage1:        stage1,
		Stage2:        stage2,
		Stage3:        stage3,
		Metadata:      metadata,
		Contributions: contributions,
	}, nil
}

// runStage1 queries every personality concurrently and collects results
// in completion order. A personality's failure becomes an abstention,
// not a stage failure.
func (d *Deliberation) runStage1(ctx context.Context) []StageOneResult {
	var mu sync.Mutex
	var results []StageOneResult

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.req.Personalities {
		p := p
		g.Go(func() error {
			start := time.Now()
			response, err := d.gw.Invoke(gctx, p, d.req.Query, d.req.History)
			result := StageOneResult{
				PersonalityID: p.ID,
				Personality:   p.Name,
				Model:         p.Model,
				Latency:       time.Since(start) / time.Millisecond,
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"conversation": d.req.ConversationID,
					"personality":  p.ID,
				}).WithError(err).Warn("Stage 1 query failed")
				result.Error = err.Error()
			} else {
				result.OK = true
				result.Response = response
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// runStage2 has each Stage-1 survivor rank the other survivors'
// anonymized responses. Unparsable rankings are recorded and excluded
// from aggregation; only a complete loss of reviewers is fatal.
func (d *Deliberation) runStage2(ctx context.Context, stage1 []StageOneResult, labels LabelMap) ([]StageTwoResult, error) {
	byID := make(map[string]Personality, len(d.req.Personalities))
	for _, p := range d.req.Personalities {
		byID[p.ID] = p
	}

	var reviewers []Personality
	for _, r := range stage1 {
		if r.OK {
			reviewers = append(reviewers, byID[r.PersonalityID])
		}
	}
	// With a single survivor there is nothing to cross-rank
	if len(reviewers) < 2 {
		return []StageTwoResult{}, nil
	}

	var mu sync.Mutex
	var results []StageTwoResult

	g, gctx := errgroup.WithContext(ctx)
	for _, reviewer := range reviewers {
		reviewer := reviewer
		g.Go(func() error {
			prompt := buildReviewPrompt(d.req.Query, AnonymizedBlob(stage1, labels, reviewer.ID))
			messages := []ChatMessage{{Role: "user", Content: prompt}}
			response, err := d.gw.Complete(gctx, reviewer.Model, reviewer.Temperature, messages, ModelQueryTimeout)

			result := StageTwoResult{
				PersonalityID: reviewer.ID,
				Personality:   reviewer.Name,
				ParsedRanking: []string{},
			}
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"conversation": d.req.ConversationID,
					"personality":  reviewer.ID,
				}).WithError(err).Warn("Stage 2 query failed")
				result.Error = err.Error()
			} else {
				result.OK = true
				result.Ranking = response
				result.ParsedRanking = ParseRanking(response)
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for _, r := range results {
		if r.OK {
			succeeded++
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all %d peer reviews failed", len(results))
	}

	return results, nil
}

// buildReviewPrompt asks a reviewer to evaluate and rank the anonymized
// responses in the format ParseRanking expects
func buildReviewPrompt(query, responsesBlob string) string {
	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different council members (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format:

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, query, responsesBlob)
}

// GenerateTitle produces a short conversation title from the first query
func GenerateTitle(ctx context.Context, gw *Gateway, query string) (string, error) {
	prompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, query)

	messages := []ChatMessage{{Role: "user", Content: prompt}}
	response, err := gw.Complete(ctx, TitleModel, 0, messages, TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response)
	title = strings.Trim(title, "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title, nil
}
