// Package flows defines the built-in conversation flows and their
// transition tables.
//
// The recipe capture flow is the engine's canonical saga workflow:
// upload artifact, call AI extraction, persist the result, notify. The
// user is never told "saved" unless the durable record exists, and a
// failed run leaves no orphaned artifact behind.
package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/souschef-sms/souschef/internal/bus"
	"github.com/souschef-sms/souschef/internal/fsm"
	"github.com/souschef-sms/souschef/internal/genai"
	"github.com/souschef-sms/souschef/internal/models"
	"github.com/souschef-sms/souschef/internal/saga"
)

// Recipe flow states.
const (
	RecipeFlowName = "recipe-capture"

	StateAwaitingPhoto   models.StateType = "awaiting_photo"
	StateAwaitingConfirm models.StateType = "awaiting_confirm"
)

// Flow data keys.
const (
	dataKeyRecipeJSON = "recipe_json"
	dataKeyRecipeID   = "recipe_id"
)

// ArtifactStore holds uploaded media referenced by saga steps. The
// forward step stores the artifact; its compensation deletes it.
type ArtifactStore interface {
	Put(ctx context.Context, ref string) (artifactID string, err error)
	Delete(ctx context.Context, artifactID string) error
}

// RecipeStore persists extracted recipes as the saga's durable output.
type RecipeStore interface {
	SaveRecipe(ctx context.Context, householdID, recipeJSON string) (recipeID string, err error)
	DeleteRecipe(ctx context.Context, recipeID string) error
}

// RecipeDeps are the collaborators the recipe flow needs.
type RecipeDeps struct {
	Sagas     *saga.Orchestrator
	Extractor genai.Extractor
	Artifacts ArtifactStore
	Recipes   RecipeStore
	Bus       bus.Bus
}

// NewRecipeFlow builds the recipe capture flow definition.
func NewRecipeFlow(deps RecipeDeps) *fsm.FlowDefinition {
	return &fsm.FlowDefinition{
		Name:    RecipeFlowName,
		Initial: StateAwaitingPhoto,
		TTL:     30 * time.Minute,
		Select: func(msg models.InboundMessage) bool {
			if msg.HasMedia() {
				return true
			}
			body := msg.NormalizedBody()
			return body == "recipe" || body == "save recipe"
		},
		Classify: classifyRecipeMessage,
		Transitions: map[fsm.TransitionKey]fsm.Handler{
			{State: StateAwaitingPhoto, Class: models.MessageClassMedia}:     deps.handlePhoto,
			{State: StateAwaitingPhoto, Class: models.MessageClassText}:      deps.handlePhotoPrompt,
			{State: StateAwaitingConfirm, Class: models.MessageClassConfirm}: deps.handleConfirm,
			{State: StateAwaitingConfirm, Class: models.MessageClassDecline}: deps.handleDecline,
		},
	}
}

func classifyRecipeMessage(msg models.InboundMessage) models.MessageClass {
	if msg.HasMedia() {
		return models.MessageClassMedia
	}
	switch msg.NormalizedBody() {
	case "yes", "y", "save", "keep":
		return models.MessageClassConfirm
	case "no", "n", "discard":
		return models.MessageClassDecline
	default:
		return models.MessageClassText
	}
}

// handlePhotoPrompt handles a text message while waiting for a photo.
func (d RecipeDeps) handlePhotoPrompt(ctx context.Context, fc *fsm.FlowContext, msg models.InboundMessage) (fsm.Result, error) {
	return fsm.Result{
		Next: StateAwaitingPhoto,
		Intents: []models.OutboundIntent{{
			TargetAddress: replyTarget(fc.Key, msg),
			Channel:       fc.Key.Channel,
			Body:          "Send me a photo of the recipe and I'll save it for you.",
		}},
	}, nil
}

// handlePhoto runs the capture saga for the first attached media ref.
func (d RecipeDeps) handlePhoto(ctx context.Context, fc *fsm.FlowContext, msg models.InboundMessage) (fsm.Result, error) {
	correlationID := uuid.NewString()
	mediaRef := msg.MediaRefs[0]
	slog.Info("Recipe flow: starting capture saga", "key", fc.Key.String(), "correlationID", correlationID)

	exec, err := d.Sagas.Run(ctx, d.captureSteps(fc.Key.HouseholdID, mediaRef), correlationID)
	if err != nil {
		status := models.SagaCompensated
		if exec != nil {
			status = exec.Status
		}
		slog.Error("Recipe flow: capture saga did not commit", "error", err, "key", fc.Key.String(), "status", status)
		body := "Something went wrong saving that recipe. Please try again."
		if status == models.SagaFailedUncompensated {
			body = "Something went wrong on our side. We're looking into it."
		}
		return fsm.Result{
			Next: StateAwaitingPhoto,
			Intents: []models.OutboundIntent{{
				TargetAddress: replyTarget(fc.Key, msg),
				Channel:       fc.Key.Channel,
				Body:          body,
				CorrelationID: correlationID,
			}},
		}, nil
	}

	extractOut, _ := exec.StepOutput("extract")
	persistOut, _ := exec.StepOutput("persist")
	fc.Data[dataKeyRecipeJSON] = extractOut
	fc.Data[dataKeyRecipeID] = persistOut

	title := recipeTitle(extractOut)
	return fsm.Result{
		Next: StateAwaitingConfirm,
		Intents: []models.OutboundIntent{{
			TargetAddress: replyTarget(fc.Key, msg),
			Channel:       fc.Key.Channel,
			Body:          fmt.Sprintf("Saved %s! Reply YES to keep it or NO to discard.", title),
			CorrelationID: correlationID,
		}},
	}, nil
}

// captureSteps builds the upload → extract → persist → notify saga.
func (d RecipeDeps) captureSteps(householdID, mediaRef string) []saga.Step {
	return []saga.Step{
		{
			Name: "upload",
			Forward: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				return d.Artifacts.Put(ctx, mediaRef)
			},
			Compensate: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				artifactID, ok := exec.StepOutput("upload")
				if !ok {
					return "", nil
				}
				return "", d.Artifacts.Delete(ctx, artifactID)
			},
		},
		{
			Name: "extract",
			// AI retries are the collaborator's concern; this step runs once
			// and its cost, if any, is an accepted business risk.
			Policy: saga.SingleAttempt("extract"),
			Forward: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				artifactID, _ := exec.StepOutput("upload")
				result, err := d.Extractor.Extract(ctx, artifactID, genai.OperationRecipeExtract)
				if err != nil {
					return "", err
				}
				return result.StructuredResult, nil
			},
		},
		{
			Name: "persist",
			Forward: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				recipeJSON, _ := exec.StepOutput("extract")
				return d.Recipes.SaveRecipe(ctx, householdID, recipeJSON)
			},
			Compensate: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				recipeID, ok := exec.StepOutput("persist")
				if !ok {
					return "", nil
				}
				return "", d.Recipes.DeleteRecipe(ctx, recipeID)
			},
		},
		{
			Name: "notify",
			Forward: func(ctx context.Context, exec *models.SagaExecution) (string, error) {
				recipeID, _ := exec.StepOutput("persist")
				payload := map[string]string{"household_id": householdID, "recipe_id": recipeID}
				return "", d.Bus.Emit(ctx, bus.Event{Topic: bus.TopicRecipeSaved, Key: householdID, Payload: payload})
			},
		},
	}
}

// handleConfirm keeps the saved recipe and completes the flow.
func (d RecipeDeps) handleConfirm(ctx context.Context, fc *fsm.FlowContext, msg models.InboundMessage) (fsm.Result, error) {
	return fsm.Result{
		Next: models.StateCompleted,
		Intents: []models.OutboundIntent{{
			TargetAddress: replyTarget(fc.Key, msg),
			Channel:       fc.Key.Channel,
			Body:          "Done! It's in your recipe box.",
		}},
	}, nil
}

// handleDecline removes the persisted recipe and completes the flow.
func (d RecipeDeps) handleDecline(ctx context.Context, fc *fsm.FlowContext, msg models.InboundMessage) (fsm.Result, error) {
	if recipeID := fc.Data[dataKeyRecipeID]; recipeID != "" {
		if err := d.Recipes.DeleteRecipe(ctx, recipeID); err != nil {
			slog.Error("Recipe flow: discard failed", "error", err, "recipeID", recipeID)
		}
	}
	return fsm.Result{
		Next: models.StateCompleted,
		Intents: []models.OutboundIntent{{
			TargetAddress: replyTarget(fc.Key, msg),
			Channel:       fc.Key.Channel,
			Body:          "Discarded. Send another photo any time.",
		}},
	}, nil
}

// recipeTitle pulls a display title out of the extraction JSON, with a
// generic fallback.
func recipeTitle(recipeJSON string) string {
	var parsed struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(recipeJSON), &parsed); err == nil && parsed.Title != "" {
		return parsed.Title
	}
	return "your recipe"
}

// replyTarget picks where the reply goes: the group thread for
// broadcast conversations, the sender otherwise.
func replyTarget(key models.ConversationKey, msg models.InboundMessage) string {
	if key.Channel == models.ChannelBroadcast && msg.GroupID != "" {
		return msg.GroupID
	}
	return msg.SenderAddress
}
