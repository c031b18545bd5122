package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	flowModels "loom/internal/domain/models/flow"
	"loom/internal/domain/services"
)

// FlowSeeder creates sample canvas graphs for local development.
type FlowSeeder struct {
	flows  services.FlowService
	logger *slog.Logger
}

// NewFlowSeeder creates a new flow seeder
func NewFlowSeeder(flows services.FlowService, logger *slog.Logger) *FlowSeeder {
	return &FlowSeeder{
		flows:  flows,
		logger: logger,
	}
}

// SeedDemoCanvas writes a sample conversation graph demonstrating branching
//
// Structure:
//
//	Answer 1: "What is a goroutine?"
//	  ├─ Answer 2: "Show me a worker pool example"
//	  └─ Answer 3: "How do channels fit in?"
//	       └─ Prompt 4: draft follow-up, not yet submitted
func (s *FlowSeeder) SeedDemoCanvas(ctx context.Context, chatID, userID string) error {
	now := time.Now().UTC()
	userName := "Demo User"
	color := flowModels.DefaultColor(userID)

	answer1 := answerNode("33333333-3333-3333-3333-333333333331", chatID, 80, 40,
		"What is a goroutine?",
		"A goroutine is a lightweight thread managed by the Go runtime. You start one with the go keyword; the scheduler multiplexes goroutines onto OS threads, so launching tens of thousands of them is normal.",
		now)
	answer2 := answerNode("33333333-3333-3333-3333-333333333332", chatID, -160, 320,
		"Show me a worker pool example",
		"Start a fixed number of goroutines that all receive from one jobs channel and send to one results channel. Close the jobs channel when you are done submitting, then collect the results.",
		now.Add(1*time.Second))
	answer3 := answerNode("33333333-3333-3333-3333-333333333333", chatID, 320, 320,
		"How do channels fit in?",
		"Channels are how goroutines hand values to each other. An unbuffered channel synchronizes sender and receiver; a buffered one decouples them up to its capacity.",
		now.Add(2*time.Second))
	prompt4 := promptNode("33333333-3333-3333-3333-333333333334", chatID, 320, 600,
		"What happens if nobody receives?",
		now.Add(3*time.Second))

	stamp := func(n flowModels.Node) flowModels.Node {
		n.Data.CreatorID = userID
		n.Data.CreatorName = userName
		n.Data.CreatorColor = color
		n.Data.Model = "anthropic/claude-haiku-4-5"
		return n
	}
	nodes := []flowModels.Node{stamp(answer1), stamp(answer2), stamp(answer3), stamp(prompt4)}

	edges := []flowModels.Edge{
		link("44444444-4444-4444-4444-444444444441", chatID, answer1.ID, answer2.ID, userID, color, now.Add(1*time.Second)),
		link("44444444-4444-4444-4444-444444444442", chatID, answer1.ID, answer3.ID, userID, color, now.Add(2*time.Second)),
		link("44444444-4444-4444-4444-444444444443", chatID, answer3.ID, prompt4.ID, userID, color, now.Add(3*time.Second)),
	}

	result := s.flows.SaveFlowData(ctx, chatID, nodes, edges)
	if !result.Success {
		return fmt.Errorf("save demo canvas: %s", result.Error)
	}

	s.logger.Info("demo canvas seeded",
		"chat_id", chatID,
		"nodes", len(nodes),
		"edges", len(edges),
	)
	return nil
}

func answerNode(id, chatID string, x, y float64, userMessage, assistantMessage string, createdAt time.Time) flowModels.Node {
	return flowModels.Node{
		ID:       id,
		ChatID:   chatID,
		Type:     flowModels.NodeAnswer,
		Position: flowModels.Position{X: x, Y: y},
		Data: flowModels.NodeData{
			UserMessage:      userMessage,
			AssistantMessage: assistantMessage,
		},
		Rev:       1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func promptNode(id, chatID string, x, y float64, draft string, createdAt time.Time) flowModels.Node {
	return flowModels.Node{
		ID:       id,
		ChatID:   chatID,
		Type:     flowModels.NodePrompt,
		Position: flowModels.Position{X: x, Y: y},
		Data: flowModels.NodeData{
			Prompt: draft,
		},
		Rev:       1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func link(id, chatID, source, target, creatorID, creatorColor string, createdAt time.Time) flowModels.Edge {
	return flowModels.Edge{
		ID:           id,
		ChatID:       chatID,
		Source:       source,
		Target:       target,
		Animated:     true,
		Style:        flowModels.EdgeStyle{Stroke: creatorColor, StrokeWidth: 2},
		CreatorID:    creatorID,
		CreatorColor: creatorColor,
		CreatedAt:    createdAt,
	}
}
