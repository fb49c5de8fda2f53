package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// Firebase holds the clients for the hosted document store and auth service.
type Firebase struct {
	App       *firebase.App
	Firestore *firestore.Client
	Auth      *auth.Client
}

// NewFirebase initialises the Firebase app. credsPath may be empty, in which
// case application default credentials are used.
func NewFirebase(ctx context.Context, projectID, credsPath string) (*Firebase, error) {
	var opts []option.ClientOption
	if credsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("init firebase auth: %w", err)
	}
	return &Firebase{App: app, Firestore: fs, Auth: authClient}, nil
}

// Close releases the Firestore connection.
func (f *Firebase) Close() error {
	if f == nil || f.Firestore == nil {
		return nil
	}
	return f.Firestore.Close()
}
