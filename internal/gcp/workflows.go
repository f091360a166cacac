package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
)

// ReviewTrigger hands quarantined documents to the human-review workflow.
type ReviewTrigger struct {
	client *executions.Client
	parent string
}

// NewReviewTrigger creates a trigger for projects/<project>/locations/<location>/workflows/<workflowID>.
func NewReviewTrigger(ctx context.Context, projectID, location, workflowID string) (*ReviewTrigger, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &ReviewTrigger{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// ReviewArgument builds the workflow's JSON argument.
func ReviewArgument(documentID, quarantineURI, reason string) (string, error) {
	payload := map[string]string{
		"documentId":    documentID,
		"quarantineUri": quarantineURI,
		"reason":        reason,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return string(b), nil
}

// RequestReview starts one workflow execution for a quarantined document.
func (t *ReviewTrigger) RequestReview(ctx context.Context, documentID, quarantineURI, reason string) error {
	arg, err := ReviewArgument(documentID, quarantineURI, reason)
	if err != nil {
		return err
	}
	exec, err := t.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    t.parent,
		Execution: &executionspb.Execution{Argument: arg},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger review workflow execution: %w", err)
	}
	slog.Info("Review workflow triggered.", "documentId", documentID, "execution", exec.GetName())
	return nil
}

func (t *ReviewTrigger) Close() error {
	return t.client.Close()
}
