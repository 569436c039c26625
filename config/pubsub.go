package config

import (
	"context"
	"errors"
	"os"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

func pubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

// NewPubSubClient uses Application Default Credentials unless
// PUBSUB_CREDENTIALS_JSON is provided.
func NewPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	return pubsub.NewClient(ctx, projectID, opts...)
}
