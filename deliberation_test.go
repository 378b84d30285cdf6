package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

// runDeliberation runs a state machine to completion, capturing events
func runDeliberation(t *testing.T, req DeliberationRequest, gw *Gateway) (*DeliberationResult, []Event, error) {
	t.Helper()
	var events []Event
	d := NewDeliberation(req, gw, func(ev Event) {
		events = append(events, ev)
	})
	result, err := d.Run(context.Background())
	return result, events, err
}

// TestDeliberationRun tests the full three-stage flow
func TestDeliberationRun(t *testing.T) {
	oldChairman := ChairmanModel
	oldTitle := TitleModel
	defer func() {
		ChairmanModel = oldChairman
		TitleModel = oldTitle
	}()
	ChairmanModel = "test/chairman"
	TitleModel = "test/title"

	req := DeliberationRequest{
		ConversationID: "conv-1",
		Query:          "What is Go?",
		Personalities:  testPersonalities(),
		Strategy:       "default",
	}

	t.Run("all stages complete in order", func(t *testing.T) {
		h := &stageAwareHandler{}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		result, events, err := runDeliberation(t, req, newTestGateway(server.URL, 4))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if len(result.Stage1) != 3 {
			t.Errorf("Stage1 results = %d, want 3", len(result.Stage1))
		}
		if len(result.Stage2) != 3 {
			t.Errorf("Stage2 results = %d, want 3", len(result.Stage2))
		}
		if result.Stage3 == nil || result.Stage3.Response == "" {
			t.Error("Stage3 result missing")
		}
		if result.Metadata == nil || len(result.Metadata.LabelToPersonality) != 3 {
			t.Errorf("Metadata = %+v", result.Metadata)
		}

		wantOrder := []string{
			EventStage1Start, EventStage1Complete,
			EventStage2Start, EventStage2Complete,
			EventStage3Start, EventStage3Complete,
		}
		if len(events) != len(wantOrder) {
			t.Fatalf("Event count = %d, want %d: %+v", len(events), len(wantOrder), events)
		}
		for i, want := range wantOrder {
			if events[i].Type != want {
				t.Errorf("Event %d = %s, want %s", i, events[i].Type, want)
			}
		}

		s1, s2, s3, _ := h.counts()
		if s1 != 3 || s2 != 3 || s3 != 1 {
			t.Errorf("Call counts = %d/%d/%d, want 3/3/1", s1, s2, s3)
		}
	})

	t.Run("all stage1 failures stop before stage2", func(t *testing.T) {
		h := &stageAwareHandler{stage1Status: 400}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		var events []Event
		d := NewDeliberation(req, newTestGateway(server.URL, 4), func(ev Event) {
			events = append(events, ev)
		})

		_, err := d.Run(context.Background())
		if err == nil {
			t.Fatal("Expected error when every personality fails")
		}
		if d.Status() != StatusFailed {
			t.Errorf("Status = %s, want error", d.Status())
		}

		// No ranking or chairman call may ever be issued
		_, s2, s3, _ := h.counts()
		if s2 != 0 {
			t.Errorf("Stage 2 calls = %d, want 0", s2)
		}
		if s3 != 0 {
			t.Errorf("Stage 3 calls = %d, want 0", s3)
		}

		last := events[len(events)-1]
		if last.Type != EventError || last.Message == "" {
			t.Errorf("Final event = %+v, want error with message", last)
		}
	})

	t.Run("partial stage1 failure proceeds with the survivors", func(t *testing.T) {
		h := &stageAwareHandler{}
		base := h.handler()
		server := mockGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			var chatReq ChatRequest
			json.Unmarshal(body, &chatReq)
			prompt := chatReq.Messages[len(chatReq.Messages)-1].Content

			// beta's first opinion always fails permanently
			isStage1 := !strings.Contains(prompt, "FINAL RANKING") &&
				!strings.Contains(prompt, "Chairman") &&
				!strings.Contains(prompt, "Generate a very short title")
			if chatReq.Model == "test/beta" && isStage1 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			base(w, r)
		})
		defer server.Close()

		result, _, err := runDeliberation(t, req, newTestGateway(server.URL, 4))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if len(result.Stage1) != 3 {
			t.Fatalf("Stage1 results = %d, want 3 (failures stay in the list)", len(result.Stage1))
		}
		for _, r1 := range result.Stage1 {
			if r1.PersonalityID == "beta" {
				if r1.OK || r1.Error == "" {
					t.Errorf("beta should have a recorded failure: %+v", r1)
				}
			} else if !r1.OK {
				t.Errorf("%s should have succeeded: %+v", r1.PersonalityID, r1)
			}
		}

		// Only the two survivors review, and beta never gets a label
		if len(result.Stage2) != 2 {
			t.Errorf("Stage2 results = %d, want 2", len(result.Stage2))
		}
		for _, r2 := range result.Stage2 {
			if r2.PersonalityID == "beta" {
				t.Error("Failed personality participated in peer review")
			}
		}
		if len(result.Metadata.LabelToPersonality) != 2 {
			t.Errorf("Labels = %v, want 2 entries", result.Metadata.LabelToPersonality)
		}
		for label, id := range result.Metadata.LabelToPersonality {
			if id == "beta" {
				t.Errorf("Failed personality beta received label %s", label)
			}
		}
	})

	t.Run("all rankings unparsable degrades to no aggregate data", func(t *testing.T) {
		h := &stageAwareHandler{rankingText: "I refuse to pick favourites."}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		result, _, err := runDeliberation(t, req, newTestGateway(server.URL, 4))
		if err != nil {
			t.Fatalf("Run should degrade, not fail: %v", err)
		}
		if len(result.Metadata.AggregateRankings) != 0 {
			t.Errorf("Aggregate = %+v, want empty", result.Metadata.AggregateRankings)
		}
		for _, r2 := range result.Stage2 {
			if len(r2.ParsedRanking) != 0 {
				t.Errorf("ParsedRanking = %v, want empty", r2.ParsedRanking)
			}
		}
		if result.Stage3 == nil {
			t.Error("Stage 3 should still run without aggregate data")
		}
	})

	t.Run("all reviewers failing is fatal", func(t *testing.T) {
		h := &stageAwareHandler{rankingStatus: 400}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		_, events, err := runDeliberation(t, req, newTestGateway(server.URL, 4))
		if err == nil {
			t.Fatal("Expected error when every peer review fails")
		}

		_, _, s3, _ := h.counts()
		if s3 != 0 {
			t.Errorf("Stage 3 calls = %d, want 0 after stage 2 failure", s3)
		}
		last := events[len(events)-1]
		if last.Type != EventError {
			t.Errorf("Final event = %s, want error", last.Type)
		}
	})

	t.Run("title generation emits title_complete", func(t *testing.T) {
		h := &stageAwareHandler{}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		titleReq := req
		titleReq.GenerateTitle = true
		_, events, err := runDeliberation(t, titleReq, newTestGateway(server.URL, 4))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		found := false
		for _, ev := range events {
			if ev.Type == EventTitleComplete {
				found = true
				data, ok := ev.Data.(map[string]string)
				if !ok || data["title"] != "Test Title" {
					t.Errorf("Title event data = %+v", ev.Data)
				}
			}
		}
		if !found {
			t.Error("No title_complete event emitted")
		}
		if _, _, _, titles := h.counts(); titles != 1 {
			t.Errorf("Title calls = %d, want 1", titles)
		}
	})

	t.Run("single survivor skips peer review", func(t *testing.T) {
		h := &stageAwareHandler{}
		server := mockGatewayServer(t, h.handler())
		defer server.Close()

		soloReq := req
		soloReq.Personalities = testPersonalities()[:1]
		result, _, err := runDeliberation(t, soloReq, newTestGateway(server.URL, 4))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(result.Stage2) != 0 {
			t.Errorf("Stage2 results = %d, want 0 with a single member", len(result.Stage2))
		}
		if result.Stage3 == nil {
			t.Error("Stage 3 should still synthesize the single response")
		}
	})
}

// TestGenerateTitle tests title generation directly
func TestGenerateTitle(t *testing.T) {
	oldTitle := TitleModel
	defer func() { TitleModel = oldTitle }()
	TitleModel = "test/title"

	t.Run("trims quotes", func(t *testing.T) {
		server := mockGatewayServer(t, fixedResponseHandler(t, "\"Go Programming\""))
		defer server.Close()

		title, err := GenerateTitle(context.Background(), newTestGateway(server.URL, 4), "What is Go?")
		if err != nil {
			t.Fatalf("GenerateTitle failed: %v", err)
		}
		if title != "Go Programming" {
			t.Errorf("Title = %q", title)
		}
	})

	t.Run("truncates long titles", func(t *testing.T) {
		long := "This is a very long title that exceeds the maximum length and should be truncated"
		server := mockGatewayServer(t, fixedResponseHandler(t, long))
		defer server.Close()

		title, err := GenerateTitle(context.Background(), newTestGateway(server.URL, 4), "Test")
		if err != nil {
			t.Fatalf("GenerateTitle failed: %v", err)
		}
		if len(title) > 50 {
			t.Errorf("Title not truncated: length %d", len(title))
		}
		if !strings.HasSuffix(title, "...") {
			t.Error("Truncated title should end with ...")
		}
	})

	t.Run("propagates gateway errors", func(t *testing.T) {
		server := mockGatewayServer(t, errorHandler(400, "bad request"))
		defer server.Close()

		if _, err := GenerateTitle(context.Background(), newTestGateway(server.URL, 4), "Test"); err == nil {
			t.Error("Expected error from failing gateway")
		}
	})
}
