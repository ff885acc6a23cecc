package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/sidegig/backend/internal/domain"
)

// CloudTasksForwarder hands push notifications to a Cloud Tasks queue whose
// target is the push gateway that owns device tokens. Cloud Tasks supplies
// retry with backoff and a dead-letter queue at the queue level, so the core
// forwards once and moves on.
type CloudTasksForwarder struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
}

// NewCloudTasksForwarder connects to
// projects/{project}/locations/{location}/queues/{queue}; targetURL is the
// gateway endpoint each task POSTs to.
func NewCloudTasksForwarder(projectID, locationID, queueID, targetURL string) (*CloudTasksForwarder, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	f := &CloudTasksForwarder{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		targetURL: targetURL,
		logger:    log.New(log.Writer(), "[PUSH] ", log.LstdFlags),
	}
	f.logger.Printf("✅ connected to Cloud Tasks queue %s", f.queuePath)
	return f, nil
}

type pushEnvelope struct {
	NotificationID string                      `json:"notification_id"`
	UserID         string                      `json:"user_id"`
	Category       domain.NotificationCategory `json:"category"`
	Priority       domain.NotificationPriority `json:"priority"`
	Title          string                      `json:"title"`
	Body           string                      `json:"body"`
	Data           map[string]string           `json:"data,omitempty"`
}

// Forward enqueues one push task. The caller already runs on a queue worker,
// so this call is synchronous with a short deadline.
func (f *CloudTasksForwarder) Forward(ctx context.Context, n *domain.Notification) error {
	payload, err := json.Marshal(pushEnvelope{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       n.Category,
		Priority:       n.Priority,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = f.client.CreateTask(cctx, &taskspb.CreateTaskRequest{
		Parent: f.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        f.targetURL,
					Headers: map[string]string{
						"Content-Type":        "application/json",
						"X-Notification-ID":   n.ID,
						"X-Notification-Prio": string(n.Priority),
					},
					Body: payload,
				},
			},
			DispatchDeadline: durationpb.New(30 * time.Second),
		},
	})
	if err != nil {
		return fmt.Errorf("cloud task enqueue: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (f *CloudTasksForwarder) Close() error {
	return f.client.Close()
}
